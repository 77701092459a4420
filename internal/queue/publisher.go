package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/metrics"
)

// Sender publishes envelopes.  Saga services depend on this rather than on
// the broker client.
type Sender interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// Emit wraps data in a fresh envelope of eventType and publishes it.
func Emit(ctx context.Context, s Sender, eventType string, data any) error {
	env, err := events.New(eventType, data)
	if err != nil {
		return err
	}
	return s.Publish(ctx, env)
}

// Publisher sends envelopes to their routing-table exchange over one
// long-lived channel.  The connection is opened lazily and reopened after a
// failure; concurrent publishes are serialised by a mutex since amqp
// channels are not safe for concurrent use.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher returns a Publisher for the broker at url.
func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

// message renders the AMQP publishing for an envelope.
func message(env events.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		MessageId:    env.EventID,
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		Body:         body,
	}, nil
}

// Publish sends env to the exchange its type routes to.  One reconnect is
// attempted when the channel turns out to be dead.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	route, ok := events.RouteOf(env.Type)
	if !ok {
		return fmt.Errorf("no route for event type %q", env.Type)
	}
	msg, err := message(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err = ch.PublishWithContext(ctx, route.Exchange, route.RoutingKey, false, false, msg); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("routing_key", route.RoutingKey).
			Warn("rabbitmq: publish failed, reopening channel")
		p.resetLocked()
		if ch, err = p.channelLocked(); err != nil {
			return err
		}
		if err = ch.PublishWithContext(ctx, route.Exchange, route.RoutingKey, false, false, msg); err != nil {
			p.resetLocked()
			return fmt.Errorf("publish %s: %w", route.RoutingKey, err)
		}
	}
	metrics.MessagesPublished.WithLabelValues(route.RoutingKey).Inc()
	return nil
}

func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	conn, err := amqp.DialConfig(p.url, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareExchanges(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func declareExchanges(ch *amqp.Channel) error {
	for _, ex := range events.Exchanges() {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange declare %s: %w", ex, err)
		}
	}
	return nil
}
