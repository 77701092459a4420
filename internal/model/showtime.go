package model

import "time"

// ShowtimeStatus is the lifecycle of a single screening.
type ShowtimeStatus string

const (
	ShowtimeActive    ShowtimeStatus = "ACTIVE"
	ShowtimeSuspended ShowtimeStatus = "SUSPENDED" // movie pulled; no new holds or bookings
)

// Showtime is one screening of a movie.  Only the fields the seat-lock and
// saga code needs are modelled; catalog data lives with the catalog service.
//
// Fields:
//
//	ID        – UUID of the showtime.
//	MovieID   – catalog reference, echoed on suspension events.
//	Status    – ACTIVE or SUSPENDED.
//	StartsAt  – screening start time.
//	UpdatedAt – last status change.
type Showtime struct {
	ID        string         `json:"id"`
	MovieID   string         `json:"movie_id"`
	Status    ShowtimeStatus `json:"status"`
	StartsAt  time.Time      `json:"starts_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
