package queue

import (
	"context"
	"errors"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/events"
)

// Handler processes one decoded envelope and tells the consumer what to do
// with the delivery.
type Handler func(ctx context.Context, env events.Envelope) Result

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetry
	outcomeFatal
	outcomeDrop
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeRetry:
		return "retry"
	case outcomeFatal:
		return "fatal"
	case outcomeDrop:
		return "drop"
	}
	return "unknown"
}

// Result is a handler's verdict on a delivery.
type Result struct {
	outcome outcome
	err     error
}

// Ok acknowledges the delivery.
func Ok() Result { return Result{outcome: outcomeOK} }

// Retryable asks for redelivery after a backoff, up to the retry limit.
func Retryable(err error) Result { return Result{outcome: outcomeRetry, err: err} }

// Fatal dead-letters the delivery without retrying.
func Fatal(err error) Result { return Result{outcome: outcomeFatal, err: err} }

// Drop acknowledges and discards a delivery that can never be processed.
func Drop(err error) Result { return Result{outcome: outcomeDrop, err: err} }

// Err returns the error attached to the result, if any.
func (r Result) Err() error { return r.err }

func (r Result) String() string { return r.outcome.String() }

// FromError classifies err the usual way: nil acks, malformed input and
// validation or not-found errors are dropped, conflicts are acked since the
// state they describe is already final, and everything else is retried.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Ok()
	case errors.Is(err, events.ErrMalformed),
		apperr.Is(err, apperr.Validation),
		apperr.Is(err, apperr.NotFound):
		return Drop(err)
	case apperr.Is(err, apperr.Conflict):
		return Ok()
	default:
		return Retryable(err)
	}
}

type action int

const (
	actionAck action = iota
	actionRepublish
	actionDeadLetter
)

// decide maps a result and the delivery's attempt number onto the broker
// action.  attempt counts from zero.
func decide(r Result, attempt, maxRetries int) action {
	switch r.outcome {
	case outcomeOK, outcomeDrop:
		return actionAck
	case outcomeRetry:
		if attempt < maxRetries {
			return actionRepublish
		}
		return actionDeadLetter
	default:
		return actionDeadLetter
	}
}
