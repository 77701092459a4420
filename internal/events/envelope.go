// Package events defines the wire contract of the booking saga: the
// envelope every message is wrapped in, the routing table, and the payloads.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the only envelope version currently produced.
const Version = "v1"

// ErrMalformed marks a message that can never be processed: bad JSON, a
// missing envelope field or a missing payload field.  Consumers drop these
// instead of requeueing them.
var ErrMalformed = errors.New("malformed event")

// Envelope is the unit of cross-service communication.
type Envelope struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	Version    string          `json:"version"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// New wraps data in a fresh envelope.
func New(eventType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		Type:       eventType,
		Version:    Version,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// Parse decodes and validates an envelope from a message body.
func Parse(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := uuid.Parse(env.EventID); err != nil {
		return Envelope{}, fmt.Errorf("%w: eventId %q", ErrMalformed, env.EventID)
	}
	if env.Type == "" || env.Version == "" || env.OccurredAt.IsZero() || len(env.Data) == 0 {
		return Envelope{}, fmt.Errorf("%w: incomplete envelope", ErrMalformed)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported version %q", ErrMalformed, env.Version)
	}
	return env, nil
}

// Validator is implemented by every payload.
type Validator interface {
	Validate() error
}

// Decode unmarshals the envelope data into v and validates it.
func (e Envelope) Decode(v Validator) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Type, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}
