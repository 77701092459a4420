package order

import (
	"context"

	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
)

// Register subscribes the Order-side handlers.
func (s *Service) Register(c *queue.Consumer) {
	c.Handle(events.PaymentSucceeded, s.handlePaymentSucceeded)
	c.Handle(events.PaymentFailed, s.handlePaymentFailed)
	c.Handle(events.SeatLockExpired, s.handleSeatLockExpired)
	c.Handle(events.ShowtimeSuspended, s.handleShowtimeSuspended)
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, env events.Envelope) queue.Result {
	var p events.SettlementPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnSettlementSucceeded(ctx, p))
}

func (s *Service) handlePaymentFailed(ctx context.Context, env events.Envelope) queue.Result {
	var p events.SettlementPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnSettlementFailed(ctx, p))
}

func (s *Service) handleSeatLockExpired(ctx context.Context, env events.Envelope) queue.Result {
	var p events.SeatLockExpiredPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnSeatLockExpired(ctx, p))
}

func (s *Service) handleShowtimeSuspended(ctx context.Context, env events.Envelope) queue.Result {
	var p events.ShowtimeSuspendedPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnShowtimeSuspended(ctx, p))
}
