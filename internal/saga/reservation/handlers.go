package reservation

import (
	"context"
	"errors"

	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
)

// Register subscribes the Reservation-side handlers.
func (s *Service) Register(c *queue.Consumer) {
	c.Handle(events.BookingSeatMapped, s.handleSeatsMapped)
	c.Handle(events.BookingConfirmed, s.handleBookingConfirmed)
	c.Handle(events.SeatUnlocked, s.handleSeatUnlocked)
}

func (s *Service) handleSeatsMapped(ctx context.Context, env events.Envelope) queue.Result {
	var p events.SeatMappedPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.OnSeatsMapped(ctx, p))
}

func (s *Service) handleBookingConfirmed(ctx context.Context, env events.Envelope) queue.Result {
	var p events.BookingStatusPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	err := s.OnBookingConfirmed(ctx, p)
	if errors.Is(err, errNotMapped) {
		return queue.Retryable(err)
	}
	return queue.FromError(err)
}

func (s *Service) handleSeatUnlocked(ctx context.Context, env events.Envelope) queue.Result {
	var p events.SeatUnlockedPayload
	if err := env.Decode(&p); err != nil {
		return queue.Drop(err)
	}
	return queue.FromError(s.Release(ctx, p.ShowtimeID, p.SeatIDs, p.BookingID, p.Reason))
}
