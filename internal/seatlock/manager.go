// Package seatlock implements the seat-lock protocol: a TTL-based
// distributed mutex over (showtime, seat) backed by the lock store.
package seatlock

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/metrics"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

const (
	DefaultHoldTTL     = 2 * time.Minute
	DefaultExtendedTTL = 10 * time.Minute

	compensateAttempts = 3
	compensateTimeout  = 2 * time.Second
)

// LockResult describes the outcome of a batch lock.  When Acquired is
// false, Conflicts lists the seats held by somebody else and none of the
// seats this call created remain locked.
type LockResult struct {
	Acquired  bool
	Conflicts []string
}

// Manager owns lock, release, extend and ownership checks for seats.
type Manager struct {
	store   Store
	holdTTL time.Duration
}

// NewManager returns a Manager using holdTTL for fresh locks.
func NewManager(store Store, holdTTL time.Duration) *Manager {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Manager{store: store, holdTTL: holdTTL}
}

// HoldTTL is the lifetime of a fresh lock.
func (m *Manager) HoldTTL() time.Duration { return m.holdTTL }

func validate(showtimeID string, seatIDs []string, ownerID string) ([]string, error) {
	if showtimeID == "" {
		return nil, apperr.New(apperr.Validation, "invalid_showtime", "showtime id is required")
	}
	if ownerID == "" {
		return nil, apperr.New(apperr.Unauthorized, "unauthorized", "owner id is required")
	}
	seats := dedupe(seatIDs)
	if len(seats) == 0 {
		return nil, apperr.New(apperr.Validation, "invalid_seats", "at least one seat id is required")
	}
	return seats, nil
}

// Lock acquires every seat for ownerID or none of them.  Each key is
// written with a conditional set; when any seat turns out to be held by a
// different owner, the keys this call created are deleted again before
// returning so the losing bidder leaves no phantom hold behind.  Seats the
// owner already held before the call are left untouched either way.
func (m *Manager) Lock(ctx context.Context, showtimeID string, seatIDs []string, ownerID string) (LockResult, error) {
	seats, err := validate(showtimeID, seatIDs, ownerID)
	if err != nil {
		return LockResult{}, err
	}
	keys := keysFor(showtimeID, seats)
	value := model.LockValue(ownerID)
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"showtime_id": showtimeID, "owner_id": ownerID})

	created, err := m.store.SetIfAbsent(ctx, keys, value, m.holdTTL)
	acquired := make([]string, 0, len(keys))
	var pending []int
	for i, ok := range created {
		if ok {
			acquired = append(acquired, keys[i])
		} else {
			pending = append(pending, i)
		}
	}
	if err != nil {
		m.compensate(ctx, acquired, value)
		metrics.SeatLocks.WithLabelValues("error").Inc()
		log.WithError(err).Error("seatlock: lock store write failed")
		return LockResult{}, apperr.Wrap(err, apperr.Dependency, "lock store unavailable")
	}
	if len(pending) == 0 {
		metrics.SeatLocks.WithLabelValues("acquired").Inc()
		return LockResult{Acquired: true}, nil
	}

	pendingKeys := make([]string, len(pending))
	for i, idx := range pending {
		pendingKeys[i] = keys[idx]
	}
	current, err := m.store.Get(ctx, pendingKeys)
	if err != nil {
		m.compensate(ctx, acquired, value)
		metrics.SeatLocks.WithLabelValues("error").Inc()
		return LockResult{}, apperr.Wrap(err, apperr.Dependency, "lock store unavailable")
	}
	var conflicts []string
	for i, idx := range pending {
		if current[i] != value {
			conflicts = append(conflicts, seats[idx])
		}
	}
	if len(conflicts) == 0 {
		metrics.SeatLocks.WithLabelValues("acquired").Inc()
		return LockResult{Acquired: true}, nil
	}

	m.compensate(ctx, acquired, value)
	metrics.SeatLocks.WithLabelValues("conflict").Inc()
	log.WithField("conflicts", conflicts).Info("seatlock: batch lost, partial locks released")
	return LockResult{Acquired: false, Conflicts: conflicts}, nil
}

// compensate releases keys created by a failed batch.  It runs detached
// from the request context so a cancelled client cannot leave orphans.
func (m *Manager) compensate(ctx context.Context, keys []string, value string) {
	if len(keys) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < compensateAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(base, compensateTimeout)
		_, err = m.store.DeleteIfValue(cctx, keys, value)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	logging.FromContext(ctx).WithError(err).WithField("keys", keys).
		Error("seatlock: compensation failed, locks will lapse at ttl")
}

// ValidateOwnership reports whether ownerID holds every seat.  Missing,
// malformed or foreign values all fail closed.
func (m *Manager) ValidateOwnership(ctx context.Context, showtimeID string, seatIDs []string, ownerID string) (bool, error) {
	seats, err := validate(showtimeID, seatIDs, ownerID)
	if err != nil {
		return false, err
	}
	vals, err := m.store.Get(ctx, keysFor(showtimeID, seats))
	if err != nil {
		return false, apperr.Wrap(err, apperr.Dependency, "lock store unavailable")
	}
	for _, v := range vals {
		_, owner, ok := model.ParseLockValue(v)
		if !ok || owner != ownerID {
			return false, nil
		}
	}
	return true, nil
}

// Unlock deletes the seats ownerID holds and ignores the rest, so it is
// safe to repeat.  It returns the number of locks removed.
func (m *Manager) Unlock(ctx context.Context, showtimeID string, seatIDs []string, ownerID string) (int, error) {
	seats, err := validate(showtimeID, seatIDs, ownerID)
	if err != nil {
		return 0, err
	}
	n, err := m.store.DeleteIfValue(ctx, keysFor(showtimeID, seats), model.LockValue(ownerID))
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Dependency, "lock store unavailable")
	}
	return n, nil
}

// Extend widens the hold window of every seat to ttl without changing the
// owner.  It refreshes all seats or none and reports which happened.
func (m *Manager) Extend(ctx context.Context, showtimeID string, seatIDs []string, ownerID string, ttl time.Duration) (bool, error) {
	seats, err := validate(showtimeID, seatIDs, ownerID)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultExtendedTTL
	}
	n, err := m.store.ExpireIfValue(ctx, keysFor(showtimeID, seats), model.LockValue(ownerID), ttl)
	if err != nil {
		return false, apperr.Wrap(err, apperr.Dependency, "lock store unavailable")
	}
	return n == len(seats), nil
}

// Holder returns the current lock on a seat, if any.  A malformed value is
// reported as held by nobody in particular (empty OwnerID, held=true) so
// callers never treat it as free.
func (m *Manager) Holder(ctx context.Context, showtimeID, seatID string) (model.SeatLock, bool, error) {
	vals, err := m.store.Get(ctx, []string{Key(showtimeID, seatID)})
	if err != nil {
		return model.SeatLock{}, false, apperr.Wrap(err, apperr.Dependency, "lock store unavailable")
	}
	if vals[0] == "" {
		return model.SeatLock{}, false, nil
	}
	lock := model.SeatLock{ShowtimeID: showtimeID, SeatID: seatID}
	if kind, owner, ok := model.ParseLockValue(vals[0]); ok {
		lock.OwnerKind, lock.OwnerID = kind, owner
	}
	return lock, true, nil
}

// ExpiryHandler reacts to a lapsed seat lock.
type ExpiryHandler func(ctx context.Context, showtimeID, seatID string)

// WatchExpirations feeds store expiry notifications for seat keys to fn
// until ctx is done, resubscribing with backoff when the stream breaks.
func (m *Manager) WatchExpirations(ctx context.Context, fn ExpiryHandler) error {
	log := logging.FromContext(ctx)
	backoff := time.Second
	for {
		err := m.store.SubscribeExpired(ctx, func(key string) {
			showtimeID, seatID, ok := ParseKey(key)
			if !ok {
				return
			}
			fn(ctx, showtimeID, seatID)
		})
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warnf("seatlock: expiry subscription ended, retrying in %s", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
