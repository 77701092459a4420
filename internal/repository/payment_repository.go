package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// PaymentRepo persists payment transactions.  Settlement is written with
// conditional updates so that concurrent callbacks for the same
// transaction cannot both win.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// Create inserts a transaction.  A second PENDING transaction for the same
// booking violates the pending-booking unique key and yields ErrConflict.
func (r *PaymentRepo) Create(ctx context.Context, p *model.PaymentTransaction) error {
	seats, err := json.Marshal(p.SeatIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	const q = `INSERT INTO payment_transactions (id, booking_id, user_id, showtime_id, seat_ids,
	           amount_cents, status, method, failure_reason, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, p.ID, p.BookingID, p.UserID, p.ShowtimeID, seats,
		p.AmountCents, p.Status, p.Method, p.FailureReason, now, now); err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

const paymentColumns = `id, booking_id, user_id, showtime_id, seat_ids, amount_cents, status,
	transaction_ref, method, failure_reason, refund_ref, refunded_at, created_at, updated_at`

func scanPayment(sc interface{ Scan(...any) error }) (model.PaymentTransaction, error) {
	var p model.PaymentTransaction
	var seats []byte
	var ref, refundRef sql.NullString
	var refundedAt sql.NullTime
	if err := sc.Scan(&p.ID, &p.BookingID, &p.UserID, &p.ShowtimeID, &seats, &p.AmountCents,
		&p.Status, &ref, &p.Method, &p.FailureReason, &refundRef, &refundedAt,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.PaymentTransaction{}, err
	}
	if len(seats) > 0 {
		if err := json.Unmarshal(seats, &p.SeatIDs); err != nil {
			return model.PaymentTransaction{}, err
		}
	}
	p.TransactionRef = ref.String
	p.RefundRef = refundRef.String
	if refundedAt.Valid {
		t := refundedAt.Time
		p.RefundedAt = &t
	}
	return p, nil
}

func (r *PaymentRepo) getOne(ctx context.Context, where string, arg any) (model.PaymentTransaction, error) {
	q := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE ` + where + ` ORDER BY created_at DESC LIMIT 1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PaymentTransaction{}, ErrNotFound
	}
	return p, err
}

// GetByBookingID returns the most recent transaction of a booking.
func (r *PaymentRepo) GetByBookingID(ctx context.Context, bookingID string) (model.PaymentTransaction, error) {
	return r.getOne(ctx, `booking_id = ?`, bookingID)
}

// GetByRef returns the transaction the provider knows by ref.
func (r *PaymentRepo) GetByRef(ctx context.Context, ref string) (model.PaymentTransaction, error) {
	return r.getOne(ctx, `transaction_ref = ?`, ref)
}

// AssignRef records the provider reference of a transaction that has not
// been given one yet.
func (r *PaymentRepo) AssignRef(ctx context.Context, id, ref string) error {
	const q = `UPDATE payment_transactions SET transaction_ref = ?, updated_at = ?
	           WHERE id = ? AND transaction_ref IS NULL`
	_, err := r.db.ExecContext(ctx, q, ref, time.Now().UTC(), id)
	if isDuplicate(err) {
		return ErrConflict
	}
	return err
}

// Settle moves a PENDING transaction to a terminal status.  It reports false
// when the row was no longer PENDING, in which case nothing was written and
// the caller must not emit anything.  onSettled, when given, runs after the
// row is updated but before the commit; an error from it rolls the
// settlement back.
func (r *PaymentRepo) Settle(ctx context.Context, id string, status model.PaymentStatus, reason string, onSettled func() error) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	const q = `UPDATE payment_transactions SET status = ?, failure_reason = ?, updated_at = ?
	           WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, status, reason, time.Now().UTC(), id, model.PaymentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if onSettled != nil {
		if err := onSettled(); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkRefunded stamps a SUCCESS transaction as refunded exactly once.
func (r *PaymentRepo) MarkRefunded(ctx context.Context, id, refundRef string, at time.Time) (bool, error) {
	const q = `UPDATE payment_transactions SET refund_ref = ?, refunded_at = ?, updated_at = ?
	           WHERE id = ? AND status = ? AND refunded_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, refundRef, at.UTC(), time.Now().UTC(), id, model.PaymentSuccess)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPending returns PENDING transactions created before olderThan,
// oldest first.
func (r *PaymentRepo) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]model.PaymentTransaction, error) {
	q := `SELECT ` + paymentColumns + ` FROM payment_transactions
	      WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, model.PaymentPending, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
