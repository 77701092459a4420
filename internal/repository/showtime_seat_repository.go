package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// ShowtimeSeatRepo persists the seat projection of each showtime.
type ShowtimeSeatRepo struct {
	db *sql.DB
}

// NewShowtimeSeatRepo constructs a ShowtimeSeatRepo given a DB handle.
func NewShowtimeSeatRepo(db *sql.DB) *ShowtimeSeatRepo {
	return &ShowtimeSeatRepo{db: db}
}

// CreateBulkTx inserts one AVAILABLE row per seat in a single statement
// inside the caller's transaction.
func (r *ShowtimeSeatRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, showtimeID string, seatIDs []string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO showtime_seats (showtime_id, seat_id, status) VALUES `)
	args := make([]any, 0, len(seatIDs)*3)
	for i, seat := range seatIDs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, showtimeID, seat, model.SeatAvailable)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

const seatColumns = `showtime_id, seat_id, status, booking_id, locked_by, updated_at`

func scanSeat(sc interface{ Scan(...any) error }) (model.ShowtimeSeat, error) {
	var s model.ShowtimeSeat
	var bookingID, lockedBy sql.NullString
	if err := sc.Scan(&s.ShowtimeID, &s.SeatID, &s.Status, &bookingID, &lockedBy, &s.UpdatedAt); err != nil {
		return model.ShowtimeSeat{}, err
	}
	s.BookingID = bookingID.String
	s.LockedBy = lockedBy.String
	return s, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListByShowtime returns every seat row of a showtime ordered by seat id.
func (r *ShowtimeSeatRepo) ListByShowtime(ctx context.Context, showtimeID string) ([]model.ShowtimeSeat, error) {
	q := `SELECT ` + seatColumns + ` FROM showtime_seats WHERE showtime_id = ? ORDER BY seat_id`
	rows, err := r.db.QueryContext(ctx, q, showtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ShowtimeSeat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns the rows for the requested seats.  Seats without a row are
// simply absent from the result.
func (r *ShowtimeSeatRepo) Get(ctx context.Context, showtimeID string, seatIDs []string) ([]model.ShowtimeSeat, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	q := `SELECT ` + seatColumns + ` FROM showtime_seats WHERE showtime_id = ? AND seat_id IN (` +
		placeholders(len(seatIDs)) + `) ORDER BY seat_id`
	args := make([]any, 0, len(seatIDs)+1)
	args = append(args, showtimeID)
	for _, s := range seatIDs {
		args = append(args, s)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ShowtimeSeat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// BookingIDs returns the distinct bookings mapped on a showtime's rows.
func (r *ShowtimeSeatRepo) BookingIDs(ctx context.Context, showtimeID string) ([]string, error) {
	const q = `SELECT DISTINCT booking_id FROM showtime_seats
	           WHERE showtime_id = ? AND booking_id IS NOT NULL ORDER BY booking_id`
	rows, err := r.db.QueryContext(ctx, q, showtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Update locks the requested rows with SELECT ... FOR UPDATE, hands each one
// to fn and writes back the rows fn reports as changed, all in one
// transaction.  It returns the changed rows in their new state.
func (r *ShowtimeSeatRepo) Update(ctx context.Context, showtimeID string, seatIDs []string, fn func(*model.ShowtimeSeat) bool) ([]model.ShowtimeSeat, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q := `SELECT ` + seatColumns + ` FROM showtime_seats WHERE showtime_id = ? AND seat_id IN (` +
		placeholders(len(seatIDs)) + `) ORDER BY seat_id FOR UPDATE`
	args := make([]any, 0, len(seatIDs)+1)
	args = append(args, showtimeID)
	for _, s := range seatIDs {
		args = append(args, s)
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var current []model.ShowtimeSeat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		current = append(current, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const upd = `UPDATE showtime_seats SET status = ?, booking_id = ?, locked_by = ?, updated_at = ?
	             WHERE showtime_id = ? AND seat_id = ?`
	now := time.Now().UTC()
	var changed []model.ShowtimeSeat
	for i := range current {
		s := current[i]
		if !fn(&s) {
			continue
		}
		s.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, upd, s.Status, nullable(s.BookingID), nullable(s.LockedBy), now, s.ShowtimeID, s.SeatID); err != nil {
			return nil, err
		}
		changed = append(changed, s)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changed, nil
}

// ListStaleLocked returns LOCKED rows last touched before the given time,
// across all showtimes.  The expiry sweep uses it to catch lock expirations
// whose notification was lost.
func (r *ShowtimeSeatRepo) ListStaleLocked(ctx context.Context, before time.Time, limit int) ([]model.ShowtimeSeat, error) {
	q := `SELECT ` + seatColumns + ` FROM showtime_seats WHERE status = ? AND updated_at < ? ORDER BY updated_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, model.SeatLocked, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ShowtimeSeat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
