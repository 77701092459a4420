// Package repository holds the MySQL persistence for showtimes, seat
// projections, bookings and payment transactions.  The sentinel values below
// let the saga services distinguish failure scenarios without depending on
// driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert or update collides with existing
// state, such as a second PENDING transaction for the same booking.
var ErrConflict = errors.New("conflict")

// ErrNoChange tells an update callback's caller that nothing was modified
// and the row should not be written back.
var ErrNoChange = errors.New("no change")

// isDuplicate reports a MySQL unique-key violation (error 1062).
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// placeholders renders "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
