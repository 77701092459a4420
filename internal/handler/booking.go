package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-saga/internal/middleware"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// OrderService is the Order-side behaviour the HTTP layer needs.
type OrderService interface {
	Checkout(ctx context.Context, userID, showtimeID string, seatIDs []string) (model.Booking, error)
	GetBooking(ctx context.Context, bookingID, userID string) (model.Booking, error)
	RequestRefund(ctx context.Context, bookingID, userID string) (model.Booking, error)
}

// BookingHandler serves checkout and booking lookups.
type BookingHandler struct {
	svc OrderService
}

// NewBookingHandler panics on a nil service.
func NewBookingHandler(svc OrderService) *BookingHandler {
	if svc == nil {
		panic("nil service passed to NewBookingHandler")
	}
	return &BookingHandler{svc: svc}
}

// Checkout handles POST /v1/bookings.  The booking is accepted as PENDING;
// its outcome arrives asynchronously.
func (h *BookingHandler) Checkout(c echo.Context) error {
	var body struct {
		ShowtimeID string   `json:"showtime_id"`
		SeatIDs    []string `json:"seat_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	b, err := h.svc.Checkout(c.Request().Context(), middleware.UserID(c), body.ShowtimeID, body.SeatIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, b)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.svc.GetBooking(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

// Refund handles POST /v1/bookings/:id/refund.
func (h *BookingHandler) Refund(c echo.Context) error {
	b, err := h.svc.RequestRefund(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}
