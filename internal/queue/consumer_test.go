package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/events"
)

// fakeAck records how a delivery was settled.
type fakeAck struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakePublisher struct {
	queue string
	msgs  []amqp.Publishing
	err   error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.queue = exchange + "/" + key
	p.msgs = append(p.msgs, msg)
	return nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, attempt int) (amqp.Delivery, events.Envelope) {
	t.Helper()
	env, err := events.New(events.PaymentSucceeded, events.SettlementPayload{PaymentID: "P1", BookingID: "B1"})
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	d := amqp.Delivery{Acknowledger: ack, Body: body, MessageId: env.EventID, ContentType: "application/json"}
	if attempt > 0 {
		d.Headers = amqp.Table{attemptHeader: int32(attempt)}
	}
	return d, env
}

func testConsumer(dedupe *redis.Client) *Consumer {
	return NewConsumer(ConsumerConfig{Service: "booking-service", MaxRetries: 3, RetryDelay: time.Millisecond, Dedupe: dedupe})
}

func bindingFor(h Handler) binding {
	return binding{queue: "booking-service.payment.booking.success", exchange: events.PaymentExchange, key: events.PaymentSucceeded, handler: h}
}

func TestProcessAcksSuccess(t *testing.T) {
	ack := &fakeAck{}
	d, env := delivery(t, ack, 0)
	var got events.Envelope
	c := testConsumer(nil)

	c.process(context.Background(), &fakePublisher{}, bindingFor(func(_ context.Context, e events.Envelope) Result {
		got = e
		return Ok()
	}), d)

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, env.EventID, got.EventID)
}

func TestProcessDropsMalformedWithoutCallingHandler(t *testing.T) {
	ack := &fakeAck{}
	called := false
	c := testConsumer(nil)

	c.process(context.Background(), &fakePublisher{}, bindingFor(func(context.Context, events.Envelope) Result {
		called = true
		return Ok()
	}), amqp.Delivery{Acknowledger: ack, Body: []byte(`{"type":"payment.booking.success"`)})

	assert.False(t, called)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestProcessRetryRepublishesWithAttempt(t *testing.T) {
	ack := &fakeAck{}
	d, _ := delivery(t, ack, 1)
	pub := &fakePublisher{}
	c := testConsumer(nil)

	c.process(context.Background(), pub, bindingFor(func(context.Context, events.Envelope) Result {
		return Retryable(errors.New("db down"))
	}), d)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "/booking-service.payment.booking.success", pub.queue)
	assert.Equal(t, int32(2), pub.msgs[0].Headers[attemptHeader])
	assert.Equal(t, d.Body, pub.msgs[0].Body)
	assert.Equal(t, 1, ack.acked)
}

func TestProcessDeadLettersAfterMaxRetries(t *testing.T) {
	ack := &fakeAck{}
	d, _ := delivery(t, ack, 3)
	pub := &fakePublisher{}
	c := testConsumer(nil)

	c.process(context.Background(), pub, bindingFor(func(context.Context, events.Envelope) Result {
		return Retryable(errors.New("db down"))
	}), d)

	assert.Empty(t, pub.msgs)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestProcessRequeuesWhenRetryPublishFails(t *testing.T) {
	ack := &fakeAck{}
	d, _ := delivery(t, ack, 0)
	c := testConsumer(nil)

	c.process(context.Background(), &fakePublisher{err: errors.New("channel closed")}, bindingFor(func(context.Context, events.Envelope) Result {
		return Retryable(errors.New("db down"))
	}), d)

	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestProcessFatalAndPanicDeadLetter(t *testing.T) {
	for name, h := range map[string]Handler{
		"fatal": func(context.Context, events.Envelope) Result { return Fatal(errors.New("bad state")) },
		"panic": func(context.Context, events.Envelope) Result { panic("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			ack := &fakeAck{}
			d, _ := delivery(t, ack, 0)
			testConsumer(nil).process(context.Background(), &fakePublisher{}, bindingFor(h), d)
			assert.Equal(t, 1, ack.nacked)
			assert.False(t, ack.requeue)
		})
	}
}

func TestProcessDedupesRedelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := testConsumer(rdb)
	calls := 0
	b := bindingFor(func(context.Context, events.Envelope) Result {
		calls++
		return Ok()
	})

	ack := &fakeAck{}
	d, env := delivery(t, ack, 0)
	c.process(context.Background(), &fakePublisher{}, b, d)
	c.process(context.Background(), &fakePublisher{}, b, d)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, ack.acked)
	assert.True(t, mr.Exists(dedupeKey(b.queue, env.EventID)))
}

func TestFromError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want outcome
	}{
		{"nil", nil, outcomeOK},
		{"malformed", events.ErrMalformed, outcomeDrop},
		{"validation", apperr.New(apperr.Validation, "invalid", "bad"), outcomeDrop},
		{"not found", apperr.New(apperr.NotFound, "not_found", "gone"), outcomeDrop},
		{"conflict", apperr.New(apperr.Conflict, "conflict", "already"), outcomeOK},
		{"dependency", apperr.Wrap(errors.New("dial"), apperr.Dependency, "redis"), outcomeRetry},
		{"plain", errors.New("boom"), outcomeRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromError(tc.err).outcome)
		})
	}
}

func TestDecide(t *testing.T) {
	assert.Equal(t, actionAck, decide(Ok(), 0, 3))
	assert.Equal(t, actionAck, decide(Drop(errors.New("x")), 0, 3))
	assert.Equal(t, actionRepublish, decide(Retryable(errors.New("x")), 2, 3))
	assert.Equal(t, actionDeadLetter, decide(Retryable(errors.New("x")), 3, 3))
	assert.Equal(t, actionDeadLetter, decide(Fatal(errors.New("x")), 0, 3))
}

func TestHandleUnknownTypePanics(t *testing.T) {
	c := testConsumer(nil)
	assert.Panics(t, func() { c.Handle("booking.nope", func(context.Context, events.Envelope) Result { return Ok() }) })
	c.Handle(events.SeatUnlocked, func(context.Context, events.Envelope) Result { return Ok() })
	require.Len(t, c.bindings, 1)
	assert.Equal(t, "booking-service.seat.unlocked", c.bindings[0].queue)
	assert.Equal(t, events.ShowtimeExchange, c.bindings[0].exchange)
}

func TestMessageCarriesEventID(t *testing.T) {
	env, err := events.New(events.BookingCreated, events.BookingCreatedPayload{BookingID: "B1"})
	require.NoError(t, err)
	msg, err := message(env)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, msg.MessageId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
}

func TestPublishUnknownTypeFailsBeforeDialing(t *testing.T) {
	p := NewPublisher("amqp://invalid:1/")
	err := p.Publish(context.Background(), events.Envelope{Type: "nope"})
	assert.ErrorContains(t, err, "no route")
}
