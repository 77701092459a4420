package seatlock

import (
	"context"
	"strings"
	"time"
)

// Store is the lock-store collaborator: a key-value store with per-key
// expiry and an atomic conditional write per key.  Multi-key methods are
// not transactional across keys unless stated; the Manager builds the
// all-or-nothing batch semantics on top.
type Store interface {
	// SetIfAbsent writes value under every key that does not exist yet and
	// reports, per key, whether this call created it.  On error the result
	// still reflects the keys that were written before the failure.
	SetIfAbsent(ctx context.Context, keys []string, value string, ttl time.Duration) ([]bool, error)
	// Get returns the value of each key, "" for a missing key.
	Get(ctx context.Context, keys []string) ([]string, error)
	// DeleteIfValue deletes the keys currently holding value and returns how
	// many were deleted.
	DeleteIfValue(ctx context.Context, keys []string, value string) (int, error)
	// ExpireIfValue resets the TTL of every key only if all of them hold
	// value.  It returns the number of keys refreshed: 0 or len(keys).
	ExpireIfValue(ctx context.Context, keys []string, value string, ttl time.Duration) (int, error)
	// SubscribeExpired blocks, calling fn with each key the store expires,
	// until ctx is done or the subscription breaks.
	SubscribeExpired(ctx context.Context, fn func(key string)) error
}

const keyPrefix = "seat:"

// Key renders the lock-store key of a seat for a showtime.
func Key(showtimeID, seatID string) string {
	return keyPrefix + showtimeID + ":" + seatID
}

// ParseKey is the inverse of Key.  Showtime ids are UUIDs, so the first
// colon after the prefix separates them from the seat id.
func ParseKey(key string) (showtimeID, seatID string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", false
	}
	showtimeID, seatID, ok = strings.Cut(rest, ":")
	if !ok || showtimeID == "" || seatID == "" {
		return "", "", false
	}
	return showtimeID, seatID, true
}

func keysFor(showtimeID string, seatIDs []string) []string {
	keys := make([]string, len(seatIDs))
	for i, s := range seatIDs {
		keys[i] = Key(showtimeID, s)
	}
	return keys
}

// dedupe drops empty and repeated seat ids, keeping first-seen order.
func dedupe(seatIDs []string) []string {
	out := make([]string, 0, len(seatIDs))
	seen := make(map[string]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
