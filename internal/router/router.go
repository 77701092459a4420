// Package router registers the HTTP routes of each service.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/cinema-seat-saga/internal/handler"
	"github.com/iliyamo/cinema-seat-saga/internal/metrics"
	"github.com/iliyamo/cinema-seat-saga/internal/middleware"
)

// New returns an Echo instance with the shared error handler, request
// logging, panic recovery, health and metrics routes.
func New(ready map[string]handler.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger())

	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(ready))
	e.GET("/metrics", metrics.Handler())
	return e
}

// ShowtimeRoutes carries the middleware the showtime service wires in.
type ShowtimeRoutes struct {
	JWTSecret string
	RateLimit echo.MiddlewareFunc // applied to hold endpoints
	Cache     echo.MiddlewareFunc // applied to the showtime summary
	Live      echo.HandlerFunc    // websocket upgrade
}

// RegisterShowtime registers the Reservation-side routes.  Reading a
// showtime and its seats is public; holds require a user and admin
// operations the ADMIN role.
func RegisterShowtime(e *echo.Echo, h *handler.ShowtimeHandler, r ShowtimeRoutes) {
	pass := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	if r.RateLimit == nil {
		r.RateLimit = pass
	}
	if r.Cache == nil {
		r.Cache = pass
	}

	e.GET("/v1/showtimes/:id", h.Showtime, r.Cache)
	e.GET("/v1/showtimes/:id/seats", h.Seats)
	if r.Live != nil {
		e.GET("/ws/showtime/:showtimeId", r.Live)
	}

	auth := e.Group("/v1", middleware.JWTAuth(r.JWTSecret))
	auth.POST("/showtimes/:id/holds", h.Hold, r.RateLimit)
	auth.DELETE("/showtimes/:id/holds", h.Unhold, r.RateLimit)

	admin := e.Group("/v1/admin", middleware.JWTAuth(r.JWTSecret), middleware.RequireRole("ADMIN"))
	admin.POST("/showtimes", h.Create)
	admin.POST("/showtimes/:id/suspend", h.Suspend)
}

// RegisterBooking registers the Order-side routes.
func RegisterBooking(e *echo.Echo, h *handler.BookingHandler, jwtSecret string) {
	g := e.Group("/v1/bookings", middleware.JWTAuth(jwtSecret))
	g.POST("", h.Checkout)
	g.GET("/:id", h.Get)
	g.POST("/:id/refund", h.Refund)
}

// RegisterPayment registers the Settlement-side routes.  The webhook is
// authenticated by its shared secret instead of a user token.
func RegisterPayment(e *echo.Echo, h *handler.PaymentHandler, jwtSecret string) {
	e.POST("/v1/payments/webhook", h.Webhook)
	e.POST("/v1/payments/:bookingId/cancel", h.Cancel, middleware.JWTAuth(jwtSecret))
}
