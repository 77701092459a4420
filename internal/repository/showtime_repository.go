package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// ShowtimeRepo manages persistence for showtimes.
type ShowtimeRepo struct {
	db *sql.DB
}

// NewShowtimeRepo constructs a ShowtimeRepo given a DB handle.
func NewShowtimeRepo(db *sql.DB) *ShowtimeRepo {
	return &ShowtimeRepo{db: db}
}

// DB exposes the underlying sql.DB so callers can begin transactions
// spanning the showtime and seat tables.
func (r *ShowtimeRepo) DB() *sql.DB {
	return r.db
}

// CreateTx inserts a showtime inside the caller's transaction.  Status
// defaults to ACTIVE when empty.
func (r *ShowtimeRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Showtime) error {
	if s.Status == "" {
		s.Status = model.ShowtimeActive
	}
	const q = `INSERT INTO showtimes (id, movie_id, status, starts_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, s.ID, s.MovieID, s.Status, s.StartsAt.UTC()); err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// GetByID returns the showtime with the given ID or ErrNotFound.
func (r *ShowtimeRepo) GetByID(ctx context.Context, id string) (model.Showtime, error) {
	const q = `SELECT id, movie_id, status, starts_at, updated_at FROM showtimes WHERE id = ?`
	var s model.Showtime
	err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.MovieID, &s.Status, &s.StartsAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Showtime{}, ErrNotFound
	}
	return s, err
}

// SetStatus changes the status of a showtime.  It reports whether the row
// changed so a repeated suspension can be told apart from the first one.
func (r *ShowtimeRepo) SetStatus(ctx context.Context, id string, status model.ShowtimeStatus) (bool, error) {
	const q = `UPDATE showtimes SET status = ? WHERE id = ? AND status <> ?`
	res, err := r.db.ExecContext(ctx, q, status, id, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// CreateWithSeats inserts a showtime and its AVAILABLE seat rows in one
// transaction.
func (r *ShowtimeRepo) CreateWithSeats(ctx context.Context, s *model.Showtime, seatIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.CreateTx(ctx, tx, s); err != nil {
		return err
	}
	if err := NewShowtimeSeatRepo(r.db).CreateBulkTx(ctx, tx, s.ID, seatIDs); err != nil {
		return err
	}
	return tx.Commit()
}
