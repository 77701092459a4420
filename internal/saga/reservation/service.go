// Package reservation is the Reservation-side saga participant.  It owns the
// seat projection and showtime status, takes and releases seat holds, and
// reacts to booking events by mapping, committing or compensating seats.
package reservation

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
	"github.com/iliyamo/cinema-seat-saga/internal/queue"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
	"github.com/iliyamo/cinema-seat-saga/internal/seatlock"
)

// ShowtimeStore persists showtimes.
type ShowtimeStore interface {
	GetByID(ctx context.Context, id string) (model.Showtime, error)
	SetStatus(ctx context.Context, id string, status model.ShowtimeStatus) (bool, error)
	CreateWithSeats(ctx context.Context, s *model.Showtime, seatIDs []string) error
}

// SeatStore persists the seat projection.
type SeatStore interface {
	Get(ctx context.Context, showtimeID string, seatIDs []string) ([]model.ShowtimeSeat, error)
	ListByShowtime(ctx context.Context, showtimeID string) ([]model.ShowtimeSeat, error)
	BookingIDs(ctx context.Context, showtimeID string) ([]string, error)
	ListStaleLocked(ctx context.Context, before time.Time, limit int) ([]model.ShowtimeSeat, error)
	Update(ctx context.Context, showtimeID string, seatIDs []string, fn func(*model.ShowtimeSeat) bool) ([]model.ShowtimeSeat, error)
}

// ReleaseLog remembers bookings whose seats were released.
type ReleaseLog interface {
	MarkReleased(ctx context.Context, bookingID string) error
	Released(ctx context.Context, bookingID string) (bool, error)
}

// Broadcaster pushes seat changes to live viewers.
type Broadcaster interface {
	Broadcast(ctx context.Context, change model.SeatStatusChange)
}

// errNotMapped is returned when a confirmation arrives before the seats
// were mapped to the booking; the consumer retries it.
var errNotMapped = errors.New("booking seats not mapped yet")

const expiryAttempts = 3

// Service implements the Reservation-side operations.
type Service struct {
	showtimes ShowtimeStore
	seats     SeatStore
	locks     *seatlock.Manager
	released  ReleaseLog
	hub       Broadcaster
	bus       queue.Sender
	now       func() time.Time
}

// NewService wires the Reservation-side participant.
func NewService(showtimes ShowtimeStore, seats SeatStore, locks *seatlock.Manager, released ReleaseLog, hub Broadcaster, bus queue.Sender) *Service {
	return &Service{
		showtimes: showtimes,
		seats:     seats,
		locks:     locks,
		released:  released,
		hub:       hub,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HoldResult describes a successful hold.
type HoldResult struct {
	ShowtimeID string    `json:"showtime_id"`
	SeatIDs    []string  `json:"seat_ids"`
	ExpiresAt  time.Time `json:"expires_at"`
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

func validateRequest(showtimeID string, seatIDs []string, userID string) ([]string, error) {
	if _, err := uuid.Parse(showtimeID); err != nil {
		return nil, apperr.New(apperr.Validation, "invalid_showtime", "showtime id must be a UUID")
	}
	if userID == "" {
		return nil, apperr.New(apperr.Unauthorized, "unauthorized", "missing user")
	}
	seats := normalize(seatIDs)
	if len(seats) == 0 {
		return nil, apperr.New(apperr.Validation, "invalid_seats", "at least one seat id is required")
	}
	return seats, nil
}

func (s *Service) activeShowtime(ctx context.Context, showtimeID string) (model.Showtime, error) {
	st, err := s.showtimes.GetByID(ctx, showtimeID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Showtime{}, apperr.New(apperr.NotFound, "showtime_not_found", "showtime not found")
	}
	if err != nil {
		return model.Showtime{}, apperr.Wrap(err, apperr.Internal, "load showtime")
	}
	if st.Status == model.ShowtimeSuspended {
		return model.Showtime{}, apperr.New(apperr.Conflict, "showtime_suspended", "showtime is suspended")
	}
	return st, nil
}

// rowsFor loads the rows of the requested seats and fails with NotFound
// listing any seat the showtime does not have.
func (s *Service) rowsFor(ctx context.Context, showtimeID string, seatIDs []string) (map[string]model.ShowtimeSeat, error) {
	rows, err := s.seats.Get(ctx, showtimeID, seatIDs)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "load seats")
	}
	byID := make(map[string]model.ShowtimeSeat, len(rows))
	for _, r := range rows {
		byID[r.SeatID] = r
	}
	var missing []string
	for _, id := range seatIDs {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.WithDetail(apperr.NotFound, "seat_not_found", "seat not found", map[string][]string{"seats": missing})
	}
	return byID, nil
}

func seatConflict(seats []string) error {
	return apperr.WithDetail(apperr.Conflict, "seat_conflict", "one or more seats are not available", map[string][]string{"seats": seats})
}

func (s *Service) broadcast(ctx context.Context, showtimeID string, seats []model.ShowtimeSeat, status model.SeatStatus) {
	if len(seats) == 0 {
		return
	}
	ids := make([]string, len(seats))
	for i, r := range seats {
		ids[i] = r.SeatID
	}
	s.hub.Broadcast(ctx, model.SeatStatusChange{ShowtimeID: showtimeID, SeatIDs: ids, Status: status, At: s.now()})
}

// Hold locks every requested seat for userID or none of them.
func (s *Service) Hold(ctx context.Context, showtimeID string, seatIDs []string, userID string) (HoldResult, error) {
	seats, err := validateRequest(showtimeID, seatIDs, userID)
	if err != nil {
		return HoldResult{}, err
	}
	if _, err := s.activeShowtime(ctx, showtimeID); err != nil {
		return HoldResult{}, err
	}
	rows, err := s.rowsFor(ctx, showtimeID, seats)
	if err != nil {
		return HoldResult{}, err
	}
	var taken []string
	for _, id := range seats {
		if st := rows[id].Status; st == model.SeatBooked || st == model.SeatUnavailable {
			taken = append(taken, id)
		}
	}
	if len(taken) > 0 {
		return HoldResult{}, seatConflict(taken)
	}

	res, err := s.locks.Lock(ctx, showtimeID, seats, userID)
	if err != nil {
		return HoldResult{}, err
	}
	if !res.Acquired {
		return HoldResult{}, seatConflict(res.Conflicts)
	}

	var blocked []string
	changed, err := s.seats.Update(ctx, showtimeID, seats, func(r *model.ShowtimeSeat) bool {
		if r.Status == model.SeatBooked || r.Status == model.SeatUnavailable {
			blocked = append(blocked, r.SeatID)
			return false
		}
		if r.Status == model.SeatLocked && r.LockedBy == userID {
			return false
		}
		r.Status, r.LockedBy, r.BookingID = model.SeatLocked, userID, ""
		return true
	})
	if err != nil || len(blocked) > 0 {
		s.abandonHold(ctx, showtimeID, seats, userID)
		if err != nil {
			return HoldResult{}, apperr.Wrap(err, apperr.Internal, "project seat locks")
		}
		return HoldResult{}, seatConflict(blocked)
	}
	s.broadcast(ctx, showtimeID, changed, model.SeatLocked)

	return HoldResult{ShowtimeID: showtimeID, SeatIDs: seats, ExpiresAt: s.now().Add(s.locks.HoldTTL())}, nil
}

// abandonHold undoes a hold whose projection could not be written.
func (s *Service) abandonHold(ctx context.Context, showtimeID string, seats []string, userID string) {
	ctx = context.WithoutCancel(ctx)
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"showtime_id": showtimeID, "user_id": userID})
	if _, err := s.locks.Unlock(ctx, showtimeID, seats, userID); err != nil {
		log.WithError(err).Error("reservation: failed to release locks of abandoned hold")
	}
	reverted, err := s.seats.Update(ctx, showtimeID, seats, func(r *model.ShowtimeSeat) bool {
		if r.Status != model.SeatLocked || r.LockedBy != userID || r.BookingID != "" {
			return false
		}
		r.Status, r.LockedBy = model.SeatAvailable, ""
		return true
	})
	if err != nil {
		log.WithError(err).Error("reservation: failed to revert projection of abandoned hold")
		return
	}
	s.broadcast(ctx, showtimeID, reverted, model.SeatAvailable)
}

// Unhold releases seats the user holds and has not taken to checkout yet.
func (s *Service) Unhold(ctx context.Context, showtimeID string, seatIDs []string, userID string) (int, error) {
	seats, err := validateRequest(showtimeID, seatIDs, userID)
	if err != nil {
		return 0, err
	}
	rows, err := s.rowsFor(ctx, showtimeID, seats)
	if err != nil {
		return 0, err
	}
	var inCheckout []string
	for _, id := range seats {
		if r := rows[id]; r.BookingID != "" && r.Status == model.SeatLocked {
			inCheckout = append(inCheckout, id)
		}
	}
	if len(inCheckout) > 0 {
		return 0, apperr.WithDetail(apperr.Conflict, "seat_in_checkout", "seats are part of a pending booking", map[string][]string{"seats": inCheckout})
	}

	return s.releaseHeld(ctx, showtimeID, seats, userID, events.ReasonUserReleased)
}

// releaseHeld frees the seats userID holds that are not mapped to a
// booking, in the lock store and in the projection.
func (s *Service) releaseHeld(ctx context.Context, showtimeID string, seats []string, userID, reason string) (int, error) {
	n, err := s.locks.Unlock(ctx, showtimeID, seats, userID)
	if err != nil {
		return 0, err
	}
	changed, err := s.seats.Update(ctx, showtimeID, seats, func(r *model.ShowtimeSeat) bool {
		if r.Status != model.SeatLocked || r.LockedBy != userID || r.BookingID != "" {
			return false
		}
		r.Status, r.LockedBy = model.SeatAvailable, ""
		return true
	})
	if err != nil {
		return n, apperr.Wrap(err, apperr.Internal, "project seat release")
	}
	if len(changed) > 0 {
		logging.FromContext(ctx).WithFields(logrus.Fields{"showtime_id": showtimeID, "user_id": userID, "reason": reason, "seats": len(changed)}).
			Info("reservation: holds released")
	}
	s.broadcast(ctx, showtimeID, changed, model.SeatAvailable)
	return n, nil
}

// OnSeatsMapped tags the held rows with the booking that now owns them.
// Rows that are missing or no longer held by the booking's user are left
// alone.
func (s *Service) OnSeatsMapped(ctx context.Context, p events.SeatMappedPayload) error {
	released, err := s.released.Released(ctx, p.BookingID)
	if err != nil {
		return err
	}
	if released {
		// The booking ended before its seats were mapped; free the holds
		// it was built on instead of tagging them.
		logging.FromContext(ctx).WithField("booking_id", p.BookingID).Info("reservation: mapping for released booking, freeing holds")
		if p.UserID == "" {
			return nil
		}
		_, err := s.releaseHeld(ctx, p.ShowtimeID, normalize(p.SeatIDs), p.UserID, events.ReasonBookingReleased)
		return err
	}
	_, err = s.seats.Update(ctx, p.ShowtimeID, normalize(p.SeatIDs), func(r *model.ShowtimeSeat) bool {
		if r.Status != model.SeatLocked || r.BookingID != "" {
			return false
		}
		if p.UserID != "" && r.LockedBy != p.UserID {
			return false
		}
		r.BookingID = p.BookingID
		return true
	})
	return err
}

// OnBookingConfirmed commits the seats mapped to a confirmed booking and
// removes their locks.  A seat that was freed or taken by somebody else in
// the meantime cannot be booked any more; it is reported back as an
// expired hold so the Order-side refunds the booking.
func (s *Service) OnBookingConfirmed(ctx context.Context, p events.BookingStatusPayload) error {
	seats := normalize(p.SeatIDs)
	owners := make(map[string][]string)
	var awaiting, lost []string
	changed, err := s.seats.Update(ctx, p.ShowtimeID, seats, func(r *model.ShowtimeSeat) bool {
		if r.BookingID != p.BookingID {
			if r.Status == model.SeatLocked && r.BookingID == "" && (p.UserID == "" || r.LockedBy == p.UserID) {
				awaiting = append(awaiting, r.SeatID)
			} else {
				lost = append(lost, r.SeatID)
			}
			return false
		}
		if r.Status == model.SeatBooked {
			return false
		}
		if r.LockedBy != "" {
			owners[r.LockedBy] = append(owners[r.LockedBy], r.SeatID)
		}
		r.Status, r.LockedBy = model.SeatBooked, ""
		return true
	})
	if err != nil {
		return err
	}
	for owner, ids := range owners {
		if _, err := s.locks.Unlock(ctx, p.ShowtimeID, ids, owner); err != nil {
			// The rows are BOOKED already; a stale lock only lapses at TTL.
			logging.FromContext(ctx).WithError(err).WithField("booking_id", p.BookingID).
				Warn("reservation: failed to delete locks of booked seats")
		}
	}
	s.broadcast(ctx, p.ShowtimeID, changed, model.SeatBooked)
	if len(awaiting) > 0 && len(lost) == 0 {
		return errNotMapped
	}
	if len(lost) > 0 {
		logging.FromContext(ctx).WithFields(logrus.Fields{"booking_id": p.BookingID, "seats": lost}).
			Warn("reservation: confirmed booking lost its seats")
		return queue.Emit(ctx, s.bus, events.SeatLockExpired, events.SeatLockExpiredPayload{
			BookingID:  p.BookingID,
			ShowtimeID: p.ShowtimeID,
			SeatIDs:    lost,
		})
	}
	return nil
}

// Release frees seats as compensation.  With a booking id only rows mapped
// to that booking are touched; without one only unmapped held rows are.
// BOOKED rows are reverted only for refunds, suspensions and holds that
// lapsed under a confirmed booking.  Repeating a release is harmless.
func (s *Service) Release(ctx context.Context, showtimeID string, seatIDs []string, bookingID *string, reason string) error {
	if bookingID != nil {
		// The mapping of this booking may still be in flight.
		if err := s.released.MarkReleased(ctx, *bookingID); err != nil {
			return err
		}
	}
	allowBooked := reason == events.ReasonRefund || reason == events.ReasonShowtimeSuspended || reason == events.ReasonHoldExpired
	owners := make(map[string][]string)
	changed, err := s.seats.Update(ctx, showtimeID, normalize(seatIDs), func(r *model.ShowtimeSeat) bool {
		if bookingID != nil {
			if r.BookingID != *bookingID {
				return false
			}
		} else if r.BookingID != "" {
			return false
		}
		switch r.Status {
		case model.SeatLocked:
		case model.SeatBooked:
			if !allowBooked {
				return false
			}
		default:
			return false
		}
		if r.LockedBy != "" {
			owners[r.LockedBy] = append(owners[r.LockedBy], r.SeatID)
		}
		r.Status, r.LockedBy, r.BookingID = model.SeatAvailable, "", ""
		return true
	})
	if err != nil {
		return err
	}
	for owner, ids := range owners {
		if _, err := s.locks.Unlock(ctx, showtimeID, ids, owner); err != nil {
			return err
		}
	}
	if len(changed) > 0 {
		logging.FromContext(ctx).WithFields(logrus.Fields{"showtime_id": showtimeID, "reason": reason, "seats": len(changed)}).
			Info("reservation: seats released")
	}
	s.broadcast(ctx, showtimeID, changed, model.SeatAvailable)
	return nil
}

// OnLockExpired reconciles the projection after a seat lock lapsed.  Store
// and database errors are retried a few times with backoff; giving up is
// logged since the stale-lock sweep will try again.
func (s *Service) OnLockExpired(ctx context.Context, showtimeID, seatID string) {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"showtime_id": showtimeID, "seat_id": seatID})
	var err error
	for attempt := 0; attempt < expiryAttempts; attempt++ {
		if err = s.expire(ctx, showtimeID, seatID); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	log.WithError(err).Error("reservation: lock expiry handling failed")
}

func (s *Service) expire(ctx context.Context, showtimeID, seatID string) error {
	var holderErr error
	var bookingID string
	changed, err := s.seats.Update(ctx, showtimeID, []string{seatID}, func(r *model.ShowtimeSeat) bool {
		if r.Status != model.SeatLocked {
			return false
		}
		// A new hold may already exist; its row update waits on this
		// row lock, so checking here cannot miss it.
		_, held, err := s.locks.Holder(ctx, showtimeID, seatID)
		if err != nil {
			holderErr = err
			return false
		}
		if held {
			return false
		}
		bookingID = r.BookingID
		r.Status, r.LockedBy, r.BookingID = model.SeatAvailable, "", ""
		return true
	})
	if err != nil {
		return err
	}
	if holderErr != nil {
		return holderErr
	}
	if len(changed) == 0 {
		return nil
	}
	s.broadcast(ctx, showtimeID, changed, model.SeatAvailable)
	if bookingID != "" {
		return queue.Emit(ctx, s.bus, events.SeatLockExpired, events.SeatLockExpiredPayload{
			BookingID:  bookingID,
			ShowtimeID: showtimeID,
			SeatIDs:    []string{seatID},
		})
	}
	return nil
}

// WatchExpirations feeds lock expiry notifications into OnLockExpired until
// ctx is done.
func (s *Service) WatchExpirations(ctx context.Context) error {
	return s.locks.WatchExpirations(ctx, s.OnLockExpired)
}

// SweepStaleLocks runs the expiry reconciliation for LOCKED rows that have
// not changed for longer than olderThan.  Rows whose lock still exists are
// left alone by OnLockExpired.
func (s *Service) SweepStaleLocks(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.seats.ListStaleLocked(ctx, s.now().Add(-olderThan), 500)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		s.OnLockExpired(ctx, r.ShowtimeID, r.SeatID)
	}
	return len(rows), nil
}

// RunSweeper calls SweepStaleLocks every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.SweepStaleLocks(ctx, olderThan); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("reservation: stale lock sweep failed")
			} else if n > 0 {
				logging.FromContext(ctx).WithField("rows", n).Debug("reservation: stale lock sweep done")
			}
		}
	}
}

// Suspend stops new holds on a showtime and announces the bookings that
// are affected so the Order-side can cancel or refund them.
func (s *Service) Suspend(ctx context.Context, showtimeID, reason string) ([]string, error) {
	if _, err := uuid.Parse(showtimeID); err != nil {
		return nil, apperr.New(apperr.Validation, "invalid_showtime", "showtime id must be a UUID")
	}
	st, err := s.showtimes.GetByID(ctx, showtimeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "showtime_not_found", "showtime not found")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "load showtime")
	}
	if _, err := s.showtimes.SetStatus(ctx, showtimeID, model.ShowtimeSuspended); err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "suspend showtime")
	}
	affected, err := s.seats.BookingIDs(ctx, showtimeID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "collect affected bookings")
	}
	if affected == nil {
		affected = []string{}
	}
	if err := queue.Emit(ctx, s.bus, events.ShowtimeSuspended, events.ShowtimeSuspendedPayload{
		ShowtimeID:         showtimeID,
		MovieID:            st.MovieID,
		AffectedBookingIDs: affected,
		Reason:             reason,
	}); err != nil {
		return nil, apperr.Wrap(err, apperr.Dependency, "publish suspension")
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{"showtime_id": showtimeID, "bookings": len(affected)}).
		Warn("reservation: showtime suspended")
	return affected, nil
}

// Showtime returns a showtime summary.
func (s *Service) Showtime(ctx context.Context, showtimeID string) (model.Showtime, error) {
	if _, err := uuid.Parse(showtimeID); err != nil {
		return model.Showtime{}, apperr.New(apperr.Validation, "invalid_showtime", "showtime id must be a UUID")
	}
	st, err := s.showtimes.GetByID(ctx, showtimeID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Showtime{}, apperr.New(apperr.NotFound, "showtime_not_found", "showtime not found")
	}
	if err != nil {
		return model.Showtime{}, apperr.Wrap(err, apperr.Internal, "load showtime")
	}
	return st, nil
}

// Seats returns the projection of every seat of a showtime.
func (s *Service) Seats(ctx context.Context, showtimeID string) ([]model.ShowtimeSeat, error) {
	if _, err := s.Showtime(ctx, showtimeID); err != nil {
		return nil, err
	}
	rows, err := s.seats.ListByShowtime(ctx, showtimeID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "list seats")
	}
	return rows, nil
}

// CreateShowtime registers a showtime with its seat map.
func (s *Service) CreateShowtime(ctx context.Context, movieID string, startsAt time.Time, seatIDs []string) (model.Showtime, error) {
	seats := normalize(seatIDs)
	if movieID == "" || startsAt.IsZero() || len(seats) == 0 {
		return model.Showtime{}, apperr.New(apperr.Validation, "invalid_showtime", "movie id, start time and seats are required")
	}
	st := model.Showtime{ID: uuid.NewString(), MovieID: movieID, Status: model.ShowtimeActive, StartsAt: startsAt.UTC()}
	if err := s.showtimes.CreateWithSeats(ctx, &st, seats); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return model.Showtime{}, apperr.New(apperr.Conflict, "duplicate_showtime", "showtime already exists")
		}
		return model.Showtime{}, apperr.Wrap(err, apperr.Internal, "create showtime")
	}
	return st, nil
}
