package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Conn identifies the MySQL database a service owns.
type Conn struct {
	User, Pass string
	Host, Port string
	Name       string
}

// DSN renders c for the mysql driver.  Times are parsed into time.Time
// in UTC.
func (c Conn) DSN() string {
	auth := c.User
	if c.Pass != "" {
		auth += ":" + c.Pass
	}
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC", auth, c.Host, c.Port, c.Name)
}

// Open connects to MySQL, sizes the pool and pings within a short
// deadline.
func Open(ctx context.Context, c Conn) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping %s:%s: %w", c.Host, c.Port, err)
	}
	return db, nil
}

// Migrate applies the schema statements in order.  Every statement is
// idempotent, so services run it on each start.
func Migrate(ctx context.Context, db *sql.DB, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
