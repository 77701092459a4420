// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_messages_consumed_total",
		Help: "Consumed saga messages by routing key and handler result",
	}, []string{"routing_key", "result"})

	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_messages_published_total",
		Help: "Published saga messages by routing key",
	}, []string{"routing_key"})

	MessageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_message_duration_seconds",
		Help:    "Handler duration per routing key",
		Buckets: prometheus.DefBuckets,
	}, []string{"routing_key"})

	SeatLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_lock_attempts_total",
		Help: "Seat lock attempts by outcome (acquired, conflict, error)",
	}, []string{"outcome"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit state per dependency: 0 closed, 1 half-open, 2 open",
	}, []string{"dependency"})

	LiveViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_status_connections",
		Help: "Open live seat-status connections",
	})
)

// Handler exposes the default registry on an echo route.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
