package model

import "time"

// PaymentStatus is the Settlement-side lifecycle of a transaction.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Terminal reports whether the transaction has been settled.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// PaymentTransaction is one attempt to collect the amount of a booking.
// TransactionRef is assigned by the provider and is the idempotency key
// for its callbacks.
type PaymentTransaction struct {
	ID             string        `json:"id"`
	BookingID      string        `json:"booking_id"`
	UserID         string        `json:"user_id"`
	ShowtimeID     string        `json:"showtime_id"`
	SeatIDs        []string      `json:"seat_ids"`
	AmountCents    int64         `json:"amount_cents"`
	Status         PaymentStatus `json:"status"`
	TransactionRef string        `json:"transaction_ref,omitempty"`
	Method         string        `json:"method"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	RefundRef      string        `json:"refund_ref,omitempty"`
	RefundedAt     *time.Time    `json:"refunded_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
