// Package resilience guards calls to peer services and the payment
// provider with a per-dependency circuit breaker and a per-call timeout.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/metrics"
)

// ErrOpen is returned (and handed to fallbacks) when the circuit rejects a
// call without attempting it.
var ErrOpen = errors.New("circuit open")

// Settings tunes one breaker.
//
//	Timeout      – deadline of a single call.
//	FailureRatio – failures/requests at which the circuit opens.
//	Window       – fixed window over which requests are counted while closed.
//	Cooldown     – time spent open before a probe is admitted.
//	MinRequests  – requests needed in a window before the ratio is trusted.
type Settings struct {
	Timeout      time.Duration
	FailureRatio float64
	Window       time.Duration
	Cooldown     time.Duration
	MinRequests  uint32
}

// DefaultSettings returns the stock tuning.
func DefaultSettings() Settings {
	return Settings{
		Timeout:      3 * time.Second,
		FailureRatio: 0.5,
		Window:       30 * time.Second,
		Cooldown:     10 * time.Second,
		MinRequests:  5,
	}
}

// Breaker wraps a gobreaker circuit with a call timeout.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
}

// NewBreaker builds a breaker for the named dependency.
func NewBreaker(name string, s Settings) *Breaker {
	d := DefaultSettings()
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = d.FailureRatio
	}
	if s.Window <= 0 {
		s.Window = d.Window
	}
	if s.Cooldown <= 0 {
		s.Cooldown = d.Cooldown
	}
	if s.MinRequests == 0 {
		s.MinRequests = d.MinRequests
	}
	log := logging.FromContext(context.Background()).WithField("dependency", name)
	metrics.BreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // a single probe while half-open
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= s.MinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			log.WithField("from", from.String()).WithField("to", to.String()).Warn("resilience: circuit state changed")
		},
		IsSuccessful: isSuccessful,
	})
	return &Breaker{name: name, timeout: s.Timeout, cb: cb}
}

// isSuccessful keeps answers that prove the dependency is healthy, such as
// "not found" or a rejected input, and caller cancellations out of the
// failure count.
func isSuccessful(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled):
		return true
	case apperr.Is(err, apperr.NotFound), apperr.Is(err, apperr.Validation):
		return true
	}
	return false
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Do runs fn through the breaker under the call timeout.  A rejected call
// returns ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (b *Breaker) execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err := b.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return fn(cctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return v, err
}

// Wrap turns op into a guarded call.  When op fails, times out or the
// circuit is open, fallback decides the outcome: a degraded value or a
// domain error.  A nil fallback returns the error unchanged.
func Wrap[A, R any](b *Breaker, op func(ctx context.Context, arg A) (R, error), fallback func(ctx context.Context, arg A, err error) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		v, err := b.execute(ctx, func(ctx context.Context) (any, error) {
			return op(ctx, arg)
		})
		if err == nil {
			r, _ := v.(R)
			return r, nil
		}
		if fallback == nil {
			var zero R
			return zero, err
		}
		logging.FromContext(ctx).WithError(err).WithField("dependency", b.name).Debug("resilience: using fallback")
		return fallback(ctx, arg, err)
	}
}
