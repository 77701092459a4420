package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-saga/internal/logging"
)

// RequestLogger tags each request with a request id, puts a logger carrying
// it into the request context and logs one line when the request ends.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			ctx := logging.With(req.Context(), logrus.Fields{"request_id": id})
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			entry := logging.FromContext(ctx).WithFields(logrus.Fields{
				"method":     req.Method,
				"path":       c.Path(),
				"status":     c.Response().Status,
				"latency_ms": time.Since(start).Milliseconds(),
			})
			if c.Response().Status >= 500 {
				entry.WithError(err).Error("http request")
			} else {
				entry.Info("http request")
			}
			return nil
		}
	}
}
