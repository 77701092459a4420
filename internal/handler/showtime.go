package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-saga/internal/middleware"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/saga/reservation"
)

// ReservationService is the Reservation-side behaviour the HTTP layer needs.
type ReservationService interface {
	Hold(ctx context.Context, showtimeID string, seatIDs []string, userID string) (reservation.HoldResult, error)
	Unhold(ctx context.Context, showtimeID string, seatIDs []string, userID string) (int, error)
	Seats(ctx context.Context, showtimeID string) ([]model.ShowtimeSeat, error)
	Showtime(ctx context.Context, showtimeID string) (model.Showtime, error)
	Suspend(ctx context.Context, showtimeID, reason string) ([]string, error)
	CreateShowtime(ctx context.Context, movieID string, startsAt time.Time, seatIDs []string) (model.Showtime, error)
}

// ShowtimeHandler serves seat holds, the seat map and showtime admin.
type ShowtimeHandler struct {
	svc ReservationService
	// onChange runs after a showtime's status changed, e.g. to drop a
	// cached summary.  Optional.
	onChange func(ctx context.Context, showtimeID string)
}

// NewShowtimeHandler panics on a nil service.
func NewShowtimeHandler(svc ReservationService, onChange func(ctx context.Context, showtimeID string)) *ShowtimeHandler {
	if svc == nil {
		panic("nil service passed to NewShowtimeHandler")
	}
	return &ShowtimeHandler{svc: svc, onChange: onChange}
}

type seatsRequest struct {
	SeatIDs []string `json:"seat_ids"`
}

// Hold handles POST /v1/showtimes/:id/holds.
func (h *ShowtimeHandler) Hold(c echo.Context) error {
	var body seatsRequest
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	res, err := h.svc.Hold(c.Request().Context(), c.Param("id"), body.SeatIDs, middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

// Unhold handles DELETE /v1/showtimes/:id/holds.
func (h *ShowtimeHandler) Unhold(c echo.Context) error {
	var body seatsRequest
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	n, err := h.svc.Unhold(c.Request().Context(), c.Param("id"), body.SeatIDs, middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// Seats handles GET /v1/showtimes/:id/seats.
func (h *ShowtimeHandler) Seats(c echo.Context) error {
	rows, err := h.svc.Seats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"showtime_id": c.Param("id"), "seats": rows})
}

// Showtime handles GET /v1/showtimes/:id.
func (h *ShowtimeHandler) Showtime(c echo.Context) error {
	st, err := h.svc.Showtime(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// Suspend handles POST /v1/admin/showtimes/:id/suspend.
func (h *ShowtimeHandler) Suspend(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	ctx := c.Request().Context()
	affected, err := h.svc.Suspend(ctx, c.Param("id"), body.Reason)
	if err != nil {
		return err
	}
	if h.onChange != nil {
		h.onChange(ctx, c.Param("id"))
	}
	return c.JSON(http.StatusAccepted, echo.Map{"showtime_id": c.Param("id"), "affected_booking_ids": affected})
}

// Create handles POST /v1/admin/showtimes.
func (h *ShowtimeHandler) Create(c echo.Context) error {
	var body struct {
		MovieID  string    `json:"movie_id"`
		StartsAt time.Time `json:"starts_at"`
		SeatIDs  []string  `json:"seat_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	st, err := h.svc.CreateShowtime(c.Request().Context(), body.MovieID, body.StartsAt, body.SeatIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, st)
}
