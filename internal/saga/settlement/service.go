// Package settlement is the Settlement-side saga participant.  It collects
// the amount of each new booking through the payment provider, reports the
// outcome on the bus exactly once per transaction, and returns money when
// the Order-side asks for a refund.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/payment"
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
	"github.com/iliyamo/cinema-seat-saga/internal/resilience"
)

// PaymentStore persists payment transactions.
type PaymentStore interface {
	Create(ctx context.Context, p *model.PaymentTransaction) error
	GetByBookingID(ctx context.Context, bookingID string) (model.PaymentTransaction, error)
	GetByRef(ctx context.Context, ref string) (model.PaymentTransaction, error)
	AssignRef(ctx context.Context, id, ref string) error
	Settle(ctx context.Context, id string, status model.PaymentStatus, reason string, onSettled func() error) (bool, error)
	MarkRefunded(ctx context.Context, id, refundRef string, at time.Time) (bool, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]model.PaymentTransaction, error)
}

// Failure reasons recorded on transactions settled locally.
const (
	ReasonInvalidAmount     = "invalid_amount"
	ReasonUserCancelled     = "user_cancelled"
	ReasonUnknownAtProvider = "unknown_at_provider"
)

const (
	defaultMethod = "card"
	pollBatch     = 100
)

// Service implements the Settlement-side operations.
type Service struct {
	payments PaymentStore
	provider payment.Provider
	breaker  *resilience.Breaker
	bus      queue.Sender
	now      func() time.Time
}

// NewService wires the Settlement-side participant.  Every provider call
// goes through breaker, whose timeout is the provider timeout.
func NewService(payments PaymentStore, provider payment.Provider, breaker *resilience.Breaker, bus queue.Sender) *Service {
	return &Service{
		payments: payments,
		provider: provider,
		breaker:  breaker,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnBookingCreated opens a transaction for a new booking and tries to
// charge it.  A booking that already has a transaction is left alone.
func (s *Service) OnBookingCreated(ctx context.Context, p events.BookingCreatedPayload) error {
	log := logging.FromContext(ctx).WithField("booking_id", p.BookingID)
	if _, err := s.payments.GetByBookingID(ctx, p.BookingID); err == nil {
		log.Debug("settlement: transaction exists, booking.created ignored")
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	tx := model.PaymentTransaction{
		ID:          uuid.NewString(),
		BookingID:   p.BookingID,
		UserID:      p.UserID,
		ShowtimeID:  p.ShowtimeID,
		SeatIDs:     p.SeatIDs,
		AmountCents: p.TotalPrice,
		Status:      model.PaymentPending,
		Method:      defaultMethod,
	}
	if err := s.payments.Create(ctx, &tx); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return err
	}
	if tx.AmountCents <= 0 {
		_, err := s.settle(ctx, tx, model.PaymentFailed, ReasonInvalidAmount)
		return err
	}
	return s.charge(ctx, tx)
}

// charge sends a transaction to the provider.  When the provider cannot be
// reached the transaction stays PENDING for the poller.
func (s *Service) charge(ctx context.Context, tx model.PaymentTransaction) error {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"booking_id": tx.BookingID, "payment_id": tx.ID})
	var res payment.ChargeResult
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.provider.Charge(ctx, payment.ChargeRequest{
			PaymentID:   tx.ID,
			BookingID:   tx.BookingID,
			UserID:      tx.UserID,
			AmountCents: tx.AmountCents,
			Method:      tx.Method,
		})
		return err
	})
	if err != nil {
		log.WithError(err).Warn("settlement: charge not confirmed, left pending")
		return nil
	}
	if res.Ref != "" && tx.TransactionRef == "" {
		if err := s.payments.AssignRef(ctx, tx.ID, res.Ref); err != nil {
			return err
		}
		tx.TransactionRef = res.Ref
	}
	if res.Status.Terminal() {
		_, err := s.settle(ctx, tx, res.Status, res.Reason)
		return err
	}
	return nil
}

// settle applies an outcome and publishes it.  The event goes out before
// the settlement commits, so a lost publish leaves the transaction PENDING.
func (s *Service) settle(ctx context.Context, tx model.PaymentTransaction, outcome model.PaymentStatus, reason string) (bool, error) {
	to, ok := Transition(tx.Status, outcome)
	if !ok {
		return false, nil
	}
	eventType := events.PaymentSucceeded
	if to == model.PaymentFailed {
		eventType = events.PaymentFailed
	} else {
		reason = ""
	}
	changed, err := s.payments.Settle(ctx, tx.ID, to, reason, func() error {
		return queue.Emit(ctx, s.bus, eventType, events.SettlementPayload{
			PaymentID:  tx.ID,
			BookingID:  tx.BookingID,
			ShowtimeID: tx.ShowtimeID,
			UserID:     tx.UserID,
			Amount:     tx.AmountCents,
			SeatIDs:    tx.SeatIDs,
			Reason:     reason,
		})
	})
	if err != nil {
		return false, err
	}
	if changed {
		logging.FromContext(ctx).WithFields(logrus.Fields{
			"booking_id": tx.BookingID,
			"payment_id": tx.ID,
			"status":     to,
		}).Info("settlement: transaction settled")
	}
	return changed, nil
}

// Confirm records the provider's verdict for the transaction it knows as
// ref.  A transaction that is already settled is returned as it is and
// nothing is published.
func (s *Service) Confirm(ctx context.Context, ref string, outcome model.PaymentStatus, reason string) (model.PaymentTransaction, error) {
	if ref == "" || !outcome.Terminal() {
		return model.PaymentTransaction{}, apperr.New(apperr.Validation, "invalid_webhook", "transaction ref and a terminal status are required")
	}
	tx, err := s.payments.GetByRef(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return model.PaymentTransaction{}, apperr.New(apperr.NotFound, "transaction_not_found", "unknown transaction ref")
	}
	if err != nil {
		return model.PaymentTransaction{}, apperr.Wrap(err, apperr.Internal, "load transaction")
	}
	changed, err := s.settle(ctx, tx, outcome, reason)
	if err != nil {
		return model.PaymentTransaction{}, apperr.Wrap(err, apperr.Dependency, "settle transaction")
	}
	if !changed {
		return s.reload(ctx, tx)
	}
	tx.Status = outcome
	if outcome == model.PaymentFailed {
		tx.FailureReason = reason
	}
	return tx, nil
}

func (s *Service) reload(ctx context.Context, tx model.PaymentTransaction) (model.PaymentTransaction, error) {
	cur, err := s.payments.GetByBookingID(ctx, tx.BookingID)
	if err != nil {
		return model.PaymentTransaction{}, apperr.Wrap(err, apperr.Internal, "load transaction")
	}
	return cur, nil
}

// Cancel fails the pending transaction of a booking at the user's request.
// Cancelling a settled transaction changes nothing.
func (s *Service) Cancel(ctx context.Context, bookingID, userID string) (model.PaymentTransaction, error) {
	if userID == "" {
		return model.PaymentTransaction{}, apperr.New(apperr.Unauthorized, "unauthorized", "missing user")
	}
	tx, err := s.payments.GetByBookingID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && tx.UserID != userID) {
		return model.PaymentTransaction{}, apperr.New(apperr.NotFound, "transaction_not_found", "no payment for this booking")
	}
	if err != nil {
		return model.PaymentTransaction{}, apperr.Wrap(err, apperr.Internal, "load transaction")
	}
	changed, err := s.settle(ctx, tx, model.PaymentFailed, ReasonUserCancelled)
	if err != nil {
		return model.PaymentTransaction{}, apperr.Wrap(err, apperr.Dependency, "cancel transaction")
	}
	if !changed {
		return s.reload(ctx, tx)
	}
	tx.Status, tx.FailureReason = model.PaymentFailed, ReasonUserCancelled
	return tx, nil
}

// OnRefundIssued returns the collected amount of a booking.  Only a
// SUCCESS transaction is refunded and only once.
func (s *Service) OnRefundIssued(ctx context.Context, p events.RefundIssuedPayload) error {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"booking_id": p.BookingID, "reason": p.Reason})
	tx, err := s.payments.GetByBookingID(ctx, p.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("settlement: refund for booking without transaction ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if tx.Status != model.PaymentSuccess || tx.RefundedAt != nil || tx.TransactionRef == "" {
		return nil
	}
	amount := tx.AmountCents
	if p.Amount > 0 && p.Amount < amount {
		amount = p.Amount
	}
	var refundRef string
	err = s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		refundRef, err = s.provider.Refund(ctx, tx.TransactionRef, amount)
		return err
	})
	if err != nil {
		return apperr.Wrap(err, apperr.Dependency, "refund at provider")
	}
	if _, err := s.payments.MarkRefunded(ctx, tx.ID, refundRef, s.now()); err != nil {
		return err
	}
	log.WithField("amount", amount).Info("settlement: refunded")
	return nil
}

// PollPending resolves PENDING transactions older than olderThan.  Those
// the provider never saw are charged again; the rest are looked up.
func (s *Service) PollPending(ctx context.Context, olderThan time.Duration) (int, error) {
	txs, err := s.payments.ListPending(ctx, s.now().Add(-olderThan), pollBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, tx := range txs {
		log := logging.FromContext(ctx).WithFields(logrus.Fields{"booking_id": tx.BookingID, "payment_id": tx.ID})
		if tx.TransactionRef == "" {
			if err := s.charge(ctx, tx); err != nil {
				log.WithError(err).Warn("settlement: recharge failed")
			}
			continue
		}
		var res payment.ChargeResult
		err := s.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = s.provider.Status(ctx, tx.TransactionRef)
			return err
		})
		if errors.Is(err, payment.ErrUnknownCharge) {
			res = payment.ChargeResult{Status: model.PaymentFailed, Reason: ReasonUnknownAtProvider}
		} else if err != nil {
			log.WithError(err).Debug("settlement: status lookup failed")
			continue
		}
		changed, err := s.settle(ctx, tx, res.Status, res.Reason)
		if err != nil {
			log.WithError(err).Warn("settlement: poll settle failed")
			continue
		}
		if changed {
			settled++
		}
	}
	return settled, nil
}

// RunPoller calls PollPending every interval until ctx is done.
func (s *Service) RunPoller(ctx context.Context, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.PollPending(ctx, olderThan); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("settlement: poll failed")
			} else if n > 0 {
				logging.FromContext(ctx).WithField("settled", n).Info("settlement: pending transactions resolved")
			}
		}
	}
}
