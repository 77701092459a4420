package settlement

import (
	"context"

	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
)

// Register subscribes the Settlement-side handlers.
func (s *Service) Register(c *queue.Consumer) {
	c.Handle(events.BookingCreated, s.handleBookingCreated)
	c.Handle(events.BookingRefundIssued, s.handleRefundIssued)
}

func (s *Service) handleBookingCreated(ctx context.Context, env events.Envelope) queue.Result {
	var p events.BookingCreatedPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnBookingCreated(ctx, p))
}

func (s *Service) handleRefundIssued(ctx context.Context, env events.Envelope) queue.Result {
	var p events.RefundIssuedPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnRefundIssued(ctx, p))
}
