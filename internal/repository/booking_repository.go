package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// BookingRepo provides persistence for bookings and their seats.  Seats
// booked under a booking are stored in the booking_seats table.  All
// timestamps are stored in UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// Create inserts the booking and one booking_seats row per seat in a single
// transaction.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	const q = `INSERT INTO bookings (id, user_id, showtime_id, status, subtotal_cents, discount_cents,
	           total_amount_cents, movie_title, expires_at, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, b.ID, b.UserID, b.ShowtimeID, b.Status, b.SubtotalCents,
		b.DiscountCents, b.TotalAmountCents, b.MovieTitle, b.ExpiresAt.UTC(), now, now); err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	if err := createSeatsTx(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.CreatedAt, b.UpdatedAt = now, now
	return nil
}

func createSeatsTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	if len(b.SeatIDs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO booking_seats (booking_id, showtime_id, seat_id, price_cents) VALUES `)
	args := make([]any, 0, len(b.SeatIDs)*4)
	for i, seat := range b.SeatIDs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?)")
		args = append(args, b.ID, b.ShowtimeID, seat, b.SeatPrices[seat])
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const bookingColumns = `id, user_id, showtime_id, status, subtotal_cents, discount_cents,
	total_amount_cents, movie_title, expires_at, created_at, updated_at`

func getBooking(ctx context.Context, q queryer, id string, forUpdate bool) (model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var b model.Booking
	err := q.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.UserID, &b.ShowtimeID, &b.Status,
		&b.SubtotalCents, &b.DiscountCents, &b.TotalAmountCents, &b.MovieTitle,
		&b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, ErrNotFound
	}
	if err != nil {
		return model.Booking{}, err
	}

	rows, err := q.QueryContext(ctx, `SELECT seat_id, price_cents FROM booking_seats WHERE booking_id = ? ORDER BY seat_id`, id)
	if err != nil {
		return model.Booking{}, err
	}
	defer rows.Close()
	b.SeatPrices = make(map[string]int64)
	for rows.Next() {
		var seat string
		var price int64
		if err := rows.Scan(&seat, &price); err != nil {
			return model.Booking{}, err
		}
		b.SeatIDs = append(b.SeatIDs, seat)
		b.SeatPrices[seat] = price
	}
	return b, rows.Err()
}

// GetByID returns the booking with its seats or ErrNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (model.Booking, error) {
	return getBooking(ctx, r.db, id, false)
}

// Update loads the booking under a row lock, lets fn mutate it and writes
// the status back.  When fn returns ErrNoChange the transaction is rolled
// back and the unchanged booking is returned without error; any other error
// from fn aborts the update and is returned as is.
func (r *BookingRepo) Update(ctx context.Context, id string, fn func(*model.Booking) error) (model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, err
	}
	defer tx.Rollback()

	b, err := getBooking(ctx, tx, id, true)
	if err != nil {
		return model.Booking{}, err
	}
	before := b
	if err := fn(&b); err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, nil
		}
		return model.Booking{}, err
	}
	b.UpdatedAt = time.Now().UTC()
	const q = `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, q, b.Status, b.UpdatedAt, b.ID); err != nil {
		return model.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Booking{}, err
	}
	return b, nil
}

// ListExpiredPending returns ids of PENDING bookings whose hold window ended
// before now, oldest first.
func (r *BookingRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `SELECT id FROM bookings WHERE status = ? AND expires_at < ? ORDER BY expires_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, model.BookingPending, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
