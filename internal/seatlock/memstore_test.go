package seatlock_test

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-process Store with a controllable clock.  Each method
// holds the mutex for its whole batch, which is stronger than Redis gives
// per key and therefore never hides a race in the Manager.
type memStore struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]memEntry

	failSetAfter int // SetIfAbsent fails after this many keys when > 0
	setErr       error
	deletes      int
}

type memEntry struct {
	value   string
	expires time.Time
}

func newMemStore() *memStore {
	return &memStore{now: time.Unix(1_700_000_000, 0), entries: map[string]memEntry{}}
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *memStore) live(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !s.now.Before(e.expires) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *memStore) value(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.live(key)
	return e.value
}

func (s *memStore) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expires: s.now.Add(ttl)}
}

func (s *memStore) SetIfAbsent(_ context.Context, keys []string, value string, ttl time.Duration) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(keys))
	for i, k := range keys {
		if s.failSetAfter > 0 && i >= s.failSetAfter {
			return out, s.setErr
		}
		if _, ok := s.live(k); ok {
			continue
		}
		s.entries[k] = memEntry{value: value, expires: s.now.Add(ttl)}
		out[i] = true
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, keys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		e, _ := s.live(k)
		out[i] = e.value
	}
	return out, nil
}

func (s *memStore) DeleteIfValue(_ context.Context, keys []string, value string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	n := 0
	for _, k := range keys {
		if e, ok := s.live(k); ok && e.value == value {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ExpireIfValue(_ context.Context, keys []string, value string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if e, ok := s.live(k); !ok || e.value != value {
			return 0, nil
		}
	}
	for _, k := range keys {
		e := s.entries[k]
		e.expires = s.now.Add(ttl)
		s.entries[k] = e
	}
	return len(keys), nil
}

func (s *memStore) SubscribeExpired(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}
