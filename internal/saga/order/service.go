// Package order is the Order-side saga participant.  It turns a user's held
// seats into a PENDING booking and drives the booking through its lifecycle
// as settlement, expiry and suspension events arrive.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/client"
	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
	"github.com/iliyamo/cinema-seat-saga/internal/seatlock"
)

// BookingStore persists bookings.
type BookingStore interface {
	Create(ctx context.Context, b *model.Booking) error
	GetByID(ctx context.Context, id string) (model.Booking, error)
	Update(ctx context.Context, id string, fn func(*model.Booking) error) (model.Booking, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Peers are the remote lookups checkout depends on.  Pricing and Showtimes
// fail hard; the others degrade to a default.
type Peers struct {
	Pricing interface {
		SeatPrices(ctx context.Context, showtimeID string, seatIDs []string) (map[string]int64, error)
	}
	Promotions interface {
		Discount(ctx context.Context, q client.DiscountQuery) int64
	}
	Catalog interface {
		MovieTitle(ctx context.Context, movieID string) string
	}
	Profiles interface {
		Rank(ctx context.Context, userID string) string
	}
	Showtimes interface {
		Showtime(ctx context.Context, id string) (model.Showtime, error)
	}
}

const sweepBatch = 100

// Service implements the Order-side operations.
type Service struct {
	bookings    BookingStore
	locks       *seatlock.Manager
	peers       Peers
	bus         queue.Sender
	extendedTTL time.Duration
	now         func() time.Time
}

// NewService wires the Order-side participant.  extendedTTL is the hold
// window granted to seats once checkout starts.
func NewService(bookings BookingStore, locks *seatlock.Manager, peers Peers, bus queue.Sender, extendedTTL time.Duration) *Service {
	if extendedTTL <= 0 {
		extendedTTL = seatlock.DefaultExtendedTTL
	}
	return &Service{
		bookings:    bookings,
		locks:       locks,
		peers:       peers,
		bus:         bus,
		extendedTTL: extendedTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func normalize(seatIDs []string) []string {
	seen := make(map[string]struct{}, len(seatIDs))
	out := make([]string, 0, len(seatIDs))
	for _, s := range seatIDs {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

var errSeatsNotHeld = apperr.New(apperr.Conflict, "seat_not_held", "seats are not held by this user")

// Checkout creates a PENDING booking for seats the user currently holds and
// starts payment by publishing booking.created.
func (s *Service) Checkout(ctx context.Context, userID, showtimeID string, seatIDs []string) (model.Booking, error) {
	if userID == "" {
		return model.Booking{}, apperr.New(apperr.Unauthorized, "unauthorized", "missing user")
	}
	if _, err := uuid.Parse(showtimeID); err != nil {
		return model.Booking{}, apperr.New(apperr.Validation, "invalid_showtime", "showtime id must be a UUID")
	}
	seats := normalize(seatIDs)
	if len(seats) == 0 {
		return model.Booking{}, apperr.New(apperr.Validation, "invalid_seats", "at least one seat id is required")
	}
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"user_id": userID, "showtime_id": showtimeID})

	owns, err := s.locks.ValidateOwnership(ctx, showtimeID, seats, userID)
	if err != nil {
		return model.Booking{}, err
	}
	if !owns {
		return model.Booking{}, errSeatsNotHeld
	}

	st, err := s.peers.Showtimes.Showtime(ctx, showtimeID)
	if err != nil {
		return model.Booking{}, err
	}
	if st.Status == model.ShowtimeSuspended {
		return model.Booking{}, apperr.New(apperr.Conflict, "showtime_suspended", "showtime is suspended")
	}

	prices, err := s.peers.Pricing.SeatPrices(ctx, showtimeID, seats)
	if err != nil {
		return model.Booking{}, err
	}
	var subtotal int64
	for _, id := range seats {
		subtotal += prices[id]
	}
	rank := s.peers.Profiles.Rank(ctx, userID)
	discount := s.peers.Promotions.Discount(ctx, client.DiscountQuery{
		UserID:        userID,
		ShowtimeID:    showtimeID,
		SubtotalCents: subtotal,
		Rank:          rank,
	})

	now := s.now()
	b := model.Booking{
		ID:               uuid.NewString(),
		UserID:           userID,
		ShowtimeID:       showtimeID,
		SeatIDs:          seats,
		SeatPrices:       make(map[string]int64, len(seats)),
		Status:           model.BookingPending,
		SubtotalCents:    subtotal,
		DiscountCents:    discount,
		TotalAmountCents: subtotal - discount,
		MovieTitle:       s.peers.Catalog.MovieTitle(ctx, st.MovieID),
		ExpiresAt:        now.Add(s.extendedTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, id := range seats {
		b.SeatPrices[id] = prices[id]
	}

	// Widen the hold before the booking exists so payment never races a
	// lock that is about to lapse.
	extended, err := s.locks.Extend(ctx, showtimeID, seats, userID, s.extendedTTL)
	if err != nil {
		return model.Booking{}, err
	}
	if !extended {
		return model.Booking{}, errSeatsNotHeld
	}
	if err := s.bookings.Create(ctx, &b); err != nil {
		return model.Booking{}, apperr.Wrap(err, apperr.Internal, "create booking")
	}

	if err := s.announce(ctx, b); err != nil {
		log.WithError(err).WithField("booking_id", b.ID).Error("order: checkout events not published, cancelling booking")
		s.abandon(ctx, b.ID)
		return model.Booking{}, apperr.Wrap(err, apperr.Dependency, "publish checkout")
	}
	log.WithFields(logrus.Fields{"booking_id": b.ID, "total": b.TotalAmountCents}).Info("order: booking created")
	return b, nil
}

func (s *Service) announce(ctx context.Context, b model.Booking) error {
	if err := queue.Emit(ctx, s.bus, events.BookingCreated, events.BookingCreatedPayload{
		BookingID:  b.ID,
		UserID:     b.UserID,
		ShowtimeID: b.ShowtimeID,
		SeatIDs:    b.SeatIDs,
		TotalPrice: b.TotalAmountCents,
	}); err != nil {
		return err
	}
	return queue.Emit(ctx, s.bus, events.BookingSeatMapped, events.SeatMappedPayload{
		BookingID:  b.ID,
		UserID:     b.UserID,
		ShowtimeID: b.ShowtimeID,
		SeatIDs:    b.SeatIDs,
	})
}

// abandon cancels a booking whose checkout could not be announced.  The
// locks stay with the user, who may retry.
func (s *Service) abandon(ctx context.Context, bookingID string) {
	_, err := s.bookings.Update(context.WithoutCancel(ctx), bookingID, func(b *model.Booking) error {
		if b.Status != model.BookingPending {
			return repository.ErrNoChange
		}
		b.Status = model.BookingCancelled
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("booking_id", bookingID).Error("order: failed to cancel unannounced booking")
	}
}

// settlement carries what a settlement event knows about the payment.
type settlement struct {
	paymentID string
	amount    int64
}

// apply runs a trigger against the stored booking.  The emissions are
// published while the row is locked and before the status is committed, so
// a publish failure rolls the transition back and the trigger can be
// retried.  A missing booking is not an error.
func (s *Service) apply(ctx context.Context, bookingID string, t Trigger, paid settlement) (model.Booking, Decision, error) {
	var dec Decision
	b, err := s.bookings.Update(ctx, bookingID, func(b *model.Booking) error {
		if t == SettlementSucceeded && b.Status == model.BookingPending {
			lapsed, err := s.holdLapsed(ctx, *b)
			if err != nil {
				return err
			}
			if lapsed {
				t = LatePayment
			}
		}
		dec = Transition(b.Status, t)
		for _, e := range dec.Emit {
			if err := s.emit(ctx, *b, dec.To, e, paid); err != nil {
				return err
			}
		}
		if !dec.Changed {
			return repository.ErrNoChange
		}
		b.Status = dec.To
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		logging.FromContext(ctx).WithFields(logrus.Fields{"booking_id": bookingID, "trigger": t}).Info("order: event for unknown booking ignored")
		return model.Booking{}, Decision{}, nil
	}
	if err != nil {
		return model.Booking{}, Decision{}, err
	}
	if dec.Changed {
		logging.FromContext(ctx).WithFields(logrus.Fields{
			"booking_id": bookingID,
			"from":       dec.From,
			"to":         dec.To,
		}).Info("order: booking transitioned")
	}
	return b, dec, nil
}

// holdLapsed reports whether a pending booking no longer owns its seats,
// either because its hold window passed or because the locks are gone.
// The expiry event for such a booking may still be in flight.
func (s *Service) holdLapsed(ctx context.Context, b model.Booking) (bool, error) {
	if !b.ExpiresAt.IsZero() && s.now().After(b.ExpiresAt) {
		return true, nil
	}
	owns, err := s.locks.ValidateOwnership(ctx, b.ShowtimeID, b.SeatIDs, b.UserID)
	if err != nil {
		return false, err
	}
	return !owns, nil
}

func (s *Service) emit(ctx context.Context, b model.Booking, to model.BookingStatus, e Emission, paid settlement) error {
	switch e.Type {
	case events.BookingFinalized:
		return queue.Emit(ctx, s.bus, e.Type, events.BookingFinalizedPayload{BookingID: b.ID, FinalPrice: b.TotalAmountCents})
	case events.SeatUnlocked:
		id := b.ID
		return queue.Emit(ctx, s.bus, e.Type, events.SeatUnlockedPayload{
			BookingID:  &id,
			ShowtimeID: b.ShowtimeID,
			SeatIDs:    b.SeatIDs,
			Reason:     e.Reason,
		})
	case events.BookingRefundIssued:
		amount := b.TotalAmountCents
		if paid.amount > 0 {
			amount = paid.amount
		}
		return queue.Emit(ctx, s.bus, e.Type, events.RefundIssuedPayload{
			BookingID: b.ID,
			PaymentID: paid.paymentID,
			UserID:    b.UserID,
			Amount:    amount,
			Reason:    e.Reason,
		})
	default:
		return queue.Emit(ctx, s.bus, e.Type, events.BookingStatusPayload{
			BookingID:  b.ID,
			UserID:     b.UserID,
			ShowtimeID: b.ShowtimeID,
			SeatIDs:    b.SeatIDs,
			Status:     string(to),
		})
	}
}

// OnSettlementSucceeded confirms a pending booking, or asks for the money
// back when the booking was already given up.
func (s *Service) OnSettlementSucceeded(ctx context.Context, p events.SettlementPayload) error {
	_, _, err := s.apply(ctx, p.BookingID, SettlementSucceeded, settlement{paymentID: p.PaymentID, amount: p.Amount})
	return err
}

// OnSettlementFailed cancels a pending booking and releases its seats.
func (s *Service) OnSettlementFailed(ctx context.Context, p events.SettlementPayload) error {
	_, _, err := s.apply(ctx, p.BookingID, SettlementFailed, settlement{paymentID: p.PaymentID})
	return err
}

// OnSeatLockExpired expires a pending booking whose seat hold lapsed.  A
// booking confirmed while its hold was lapsing is refunded instead.
func (s *Service) OnSeatLockExpired(ctx context.Context, p events.SeatLockExpiredPayload) error {
	_, _, err := s.apply(ctx, p.BookingID, HoldExpired, settlement{})
	return err
}

// OnShowtimeSuspended cancels or refunds every affected booking.  All of
// them are attempted; the first failure is returned so the message is
// retried, which is harmless for the bookings already handled.
func (s *Service) OnShowtimeSuspended(ctx context.Context, p events.ShowtimeSuspendedPayload) error {
	var first error
	for _, id := range p.AffectedBookingIDs {
		if _, _, err := s.apply(ctx, id, ShowtimeSuspended, settlement{}); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("booking_id", id).Warn("order: suspension not applied")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Service) owned(ctx context.Context, bookingID, userID string) (model.Booking, error) {
	if userID == "" {
		return model.Booking{}, apperr.New(apperr.Unauthorized, "unauthorized", "missing user")
	}
	b, err := s.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && b.UserID != userID) {
		return model.Booking{}, apperr.New(apperr.NotFound, "booking_not_found", "booking not found")
	}
	if err != nil {
		return model.Booking{}, apperr.Wrap(err, apperr.Internal, "load booking")
	}
	return b, nil
}

// GetBooking returns a booking to its owner.
func (s *Service) GetBooking(ctx context.Context, bookingID, userID string) (model.Booking, error) {
	return s.owned(ctx, bookingID, userID)
}

// RequestRefund refunds a confirmed booking on behalf of its owner.
// Refunding an already refunded booking returns it unchanged.
func (s *Service) RequestRefund(ctx context.Context, bookingID, userID string) (model.Booking, error) {
	b, err := s.owned(ctx, bookingID, userID)
	if err != nil {
		return model.Booking{}, err
	}
	switch b.Status {
	case model.BookingRefunded:
		return b, nil
	case model.BookingConfirmed:
	default:
		return model.Booking{}, apperr.New(apperr.Conflict, "not_refundable", "only confirmed bookings can be refunded")
	}
	updated, dec, err := s.apply(ctx, bookingID, RefundRequested, settlement{})
	if err != nil {
		return model.Booking{}, apperr.Wrap(err, apperr.Dependency, "refund booking")
	}
	if !dec.Changed && updated.Status != model.BookingRefunded {
		// Lost a race with another transition.
		return model.Booking{}, apperr.New(apperr.Conflict, "not_refundable", "only confirmed bookings can be refunded")
	}
	return updated, nil
}

// ExpirePending expires PENDING bookings whose hold window has passed.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	ids, err := s.bookings.ListExpiredPending(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, dec, err := s.apply(ctx, id, HoldExpired, settlement{})
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("booking_id", id).Warn("order: expiry not applied")
			continue
		}
		if dec.Changed {
			n++
		}
	}
	return n, nil
}

// RunSweeper calls ExpirePending every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.ExpirePending(ctx); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("order: expiry sweep failed")
			} else if n > 0 {
				logging.FromContext(ctx).WithField("bookings", n).Info("order: expired pending bookings")
			}
		}
	}
}
