package model

import "time"

// SeatStatus is the projected state of a physical seat for one showtime.
type SeatStatus string

const (
	SeatAvailable   SeatStatus = "AVAILABLE"
	SeatLocked      SeatStatus = "LOCKED"
	SeatBooked      SeatStatus = "BOOKED"
	SeatUnavailable SeatStatus = "UNAVAILABLE" // broken or blocked by the venue
)

// ShowtimeSeat is the durable projection of a seat for a showtime.  The
// lock store is the authority for LOCKED versus AVAILABLE; this row is a
// cache of it, except for BOOKED which is authoritative once committed.
//
// Fields:
//
//	ShowtimeID – showtime the row belongs to.
//	SeatID     – seat label within the hall (e.g. "S1").
//	Status     – projected status.
//	BookingID  – booking the hold was mapped to, empty until checkout.
//	LockedBy   – user holding the lock when LOCKED.
//	UpdatedAt  – last change.
type ShowtimeSeat struct {
	ShowtimeID string     `json:"showtime_id"`
	SeatID     string     `json:"seat_id"`
	Status     SeatStatus `json:"status"`
	BookingID  string     `json:"booking_id,omitempty"`
	LockedBy   string     `json:"-"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SeatStatusChange is pushed to live viewers of a showtime.
type SeatStatusChange struct {
	ShowtimeID string     `json:"showtimeId"`
	SeatIDs    []string   `json:"seatIds"`
	Status     SeatStatus `json:"status"`
	At         time.Time  `json:"at"`
}
