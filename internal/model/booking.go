package model

import "time"

// BookingStatus is the Order-side lifecycle of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingExpired   BookingStatus = "EXPIRED"
	BookingRefunded  BookingStatus = "REFUNDED"
)

// Terminal reports whether no saga event may move the status any further.
// CONFIRMED is terminal for settlement events but still accepts refunds.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCancelled, BookingExpired, BookingRefunded:
		return true
	}
	return false
}

// Booking aggregates the seats a user is buying for one showtime.
//
// Fields:
//
//	ID               – booking UUID.
//	UserID           – buyer.
//	ShowtimeID       – showtime the seats belong to.
//	SeatIDs          – seats, each of which must stay locked by UserID while PENDING.
//	SeatPrices       – price per seat as quoted at checkout.
//	Status           – lifecycle state.
//	SubtotalCents    – sum of seat prices.
//	DiscountCents    – promotion discount applied.
//	TotalAmountCents – amount charged.
//	MovieTitle       – enrichment for notifications, "Unknown" when degraded.
//	ExpiresAt        – end of the extended hold; PENDING bookings past it expire.
type Booking struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	ShowtimeID       string           `json:"showtime_id"`
	SeatIDs          []string         `json:"seat_ids"`
	SeatPrices       map[string]int64 `json:"seat_prices,omitempty"`
	Status           BookingStatus    `json:"status"`
	SubtotalCents    int64            `json:"subtotal_cents"`
	DiscountCents    int64            `json:"discount_cents"`
	TotalAmountCents int64            `json:"total_amount_cents"`
	MovieTitle       string           `json:"movie_title"`
	ExpiresAt        time.Time        `json:"expires_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
