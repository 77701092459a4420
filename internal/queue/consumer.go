// Package queue is the RabbitMQ adapter of the saga event bus: a publisher
// that routes envelopes to their exchange and a consumer that owns the
// queue topology, acknowledgement policy, bounded retries and dead
// lettering.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/metrics"
)

const (
	// DeadLetterExchange receives messages that exhausted their retries.
	DeadLetterExchange = "saga.dlx"

	attemptHeader = "x-attempt"
	dedupeTTL     = 24 * time.Hour
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	URL        string
	Service    string        // queue name prefix, e.g. "booking-service"
	MaxRetries int           // republishes before dead-lettering
	Prefetch   int           // per-channel QoS
	RetryDelay time.Duration // base backoff, multiplied by the attempt number
	Dedupe     *redis.Client // optional; skips event ids already handled by this queue
}

type binding struct {
	queue    string
	exchange string
	key      string
	handler  Handler
}

// Consumer subscribes handlers to routing keys on durable per-service
// queues.
type Consumer struct {
	cfg      ConsumerConfig
	bindings []binding
}

// NewConsumer returns a Consumer with defaults filled in.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Consumer{cfg: cfg}
}

// Handle registers h for an event type.  The exchange comes from the
// routing table; an unknown type is a programming error.
func (c *Consumer) Handle(eventType string, h Handler) {
	route, ok := events.RouteOf(eventType)
	if !ok {
		panic(fmt.Sprintf("queue: no route for event type %q", eventType))
	}
	c.bindings = append(c.bindings, binding{
		queue:    QueueName(c.cfg.Service, route.RoutingKey),
		exchange: route.Exchange,
		key:      route.RoutingKey,
		handler:  h,
	})
}

// QueueName is the durable queue a service consumes a routing key from.
func QueueName(service, routingKey string) string {
	return service + "." + routingKey
}

// DeadQueueName is where a service's dead letters end up.
func DeadQueueName(service string) string {
	return service + ".dead"
}

// Run connects, declares the topology and consumes until ctx is done.  It
// reconnects with exponential backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).WithField("component", "consumer")
	backoff := time.Second
	for {
		conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Heartbeat: 10 * time.Second})
		if err != nil {
			log.WithError(err).Warnf("consumer: failed to dial broker; retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warn("consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Declare creates the exchanges, the dead-letter exchange and queue, and
// one durable queue per binding.
func (c *Consumer) Declare(ch *amqp.Channel) error {
	if err := declareExchanges(ch); err != nil {
		return err
	}
	dead := DeadQueueName(c.cfg.Service)
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, dead, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("queue bind %s: %w", dead, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": dead,
	}
	for _, b := range c.bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("queue declare %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", b.queue, err)
		}
	}
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}
	if err := c.Declare(ch); err != nil {
		return err
	}
	// Retries go out on a separate channel so a publish failure cannot
	// close the channel deliveries are acknowledged on.
	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("publish channel open: %w", err)
	}
	defer func() { _ = pubCh.Close() }()
	rp := &lockedPublisher{ch: pubCh}

	var wg sync.WaitGroup
	done := make(chan string, len(c.bindings))
	for _, b := range c.bindings {
		msgs, err := ch.Consume(b.queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", b.queue, err)
		}
		wg.Add(1)
		go func(b binding, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				c.process(ctx, rp, b, d)
			}
			done <- b.queue
		}(b, msgs)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	var reason error
	select {
	case <-ctx.Done():
	case amqpErr := <-closed:
		reason = fmt.Errorf("connection closed: %v", amqpErr)
	case q := <-done:
		reason = fmt.Errorf("deliveries channel for %s closed", q)
	}
	_ = ch.Close()
	wg.Wait()
	if reason == nil {
		reason = errors.New("consumer stopped")
	}
	return reason
}

// publisher is the part of *amqp.Channel used to republish retries.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type lockedPublisher struct {
	mu sync.Mutex
	ch publisher
}

func (p *lockedPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// attemptOf reads the retry counter the consumer stamps on republished
// messages.
func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func dedupeKey(queue, eventID string) string {
	return "dedupe:" + queue + ":" + eventID
}

// process handles one delivery end to end and always settles it.
func (c *Consumer) process(ctx context.Context, rp publisher, b binding, d amqp.Delivery) {
	start := time.Now()
	attempt := attemptOf(d.Headers)
	fields := logrus.Fields{"routing_key": b.key, "queue": b.queue, "attempt": attempt}
	log := logging.FromContext(ctx).WithFields(fields)

	env, err := events.Parse(d.Body)
	if err != nil {
		log.WithError(err).Warn("consumer: dropping malformed message")
		metrics.MessagesConsumed.WithLabelValues(b.key, outcomeDrop.String()).Inc()
		_ = d.Ack(false)
		return
	}
	log = log.WithFields(logrus.Fields{"event_id": env.EventID, "event_type": env.Type})

	if c.cfg.Dedupe != nil {
		n, err := c.cfg.Dedupe.Exists(ctx, dedupeKey(b.queue, env.EventID)).Result()
		if err == nil && n > 0 {
			log.Debug("consumer: duplicate event skipped")
			metrics.MessagesConsumed.WithLabelValues(b.key, "duplicate").Inc()
			_ = d.Ack(false)
			return
		}
	}

	hctx := logging.ToContext(ctx, log)
	res := safeHandle(hctx, b.handler, env)
	metrics.MessageDuration.WithLabelValues(b.key).Observe(time.Since(start).Seconds())
	metrics.MessagesConsumed.WithLabelValues(b.key, res.String()).Inc()

	switch decide(res, attempt, c.cfg.MaxRetries) {
	case actionAck:
		if res.err != nil {
			log.WithError(res.err).Warn("consumer: message dropped")
		}
		if c.cfg.Dedupe != nil && res.outcome == outcomeOK {
			if err := c.cfg.Dedupe.Set(ctx, dedupeKey(b.queue, env.EventID), 1, dedupeTTL).Err(); err != nil {
				log.WithError(err).Warn("consumer: dedupe mark failed")
			}
		}
		_ = d.Ack(false)
	case actionRepublish:
		log.WithError(res.err).Warn("consumer: handler failed, scheduling retry")
		if !sleep(ctx, time.Duration(attempt+1)*c.cfg.RetryDelay) {
			_ = d.Nack(false, true)
			return
		}
		if err := republish(ctx, rp, b.queue, d, attempt+1); err != nil {
			log.WithError(err).Error("consumer: retry publish failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	case actionDeadLetter:
		log.WithError(res.err).Error("consumer: message dead-lettered")
		_ = d.Nack(false, false)
	}
}

// republish sends a copy of d straight to queue through the default
// exchange so other services bound to the same routing key do not see the
// retry.
func republish(ctx context.Context, rp publisher, queue string, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(attempt)
	return rp.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	})
}

func safeHandle(ctx context.Context, h Handler, env events.Envelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fatal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, env)
}
