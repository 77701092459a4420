// Package queuetest provides an in-memory queue.Sender for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/iliyamo/cinema-seat-saga/internal/events"
)

// Recorder collects published envelopes.  Err, when set, is returned from
// every Publish and nothing is recorded.
type Recorder struct {
	mu   sync.Mutex
	sent []events.Envelope
	Err  error
}

// Publish implements queue.Sender.
func (r *Recorder) Publish(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, env)
	return nil
}

// Envelopes returns a copy of everything published so far.
func (r *Recorder) Envelopes() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Envelope(nil), r.sent...)
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, e := range r.sent {
		out[i] = e.Type
	}
	return out
}

// Decode unmarshals the data of the i-th envelope of eventType into v and
// reports whether such an envelope exists.
func (r *Recorder) Decode(eventType string, i int, v any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sent {
		if e.Type != eventType {
			continue
		}
		if n == i {
			return json.Unmarshal(e.Data, v) == nil
		}
		n++
	}
	return false
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
