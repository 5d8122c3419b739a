package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrPublisherClosed = errors.New("event publisher closed")

// Publisher emits envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewAMQP dials the broker and declares a durable topic exchange.
func NewAMQP(url, exchange string, log *slog.Logger) (Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.With(slog.String("component", "events")),
	}, nil
}

func (r *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrPublisherClosed
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Type:          msg.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("event publish nacked by broker")
	}
	r.log.Debug("published", slog.String("key", key), slog.String("exchange", r.exchange))
	return nil
}

// Ping reports whether the broker connection is still open.
func (r *rmqPublisher) Ping(context.Context) error {
	if r.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

func (r *rmqPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}

// FallbackPublisher drops every event. It stands in when no broker is configured.
type FallbackPublisher struct {
	log *slog.Logger
}

func NewFallback(log *slog.Logger) Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackPublisher{log: log.With(slog.String("component", "events"))}
}

func (p *FallbackPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.log.Debug("event publishing disabled, skipped", slog.String("key", key))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}

// Emit publishes an event of eventType keyed by the type itself. A nil
// publisher is a no-op and failures are logged, not returned, so callers on
// the delivery path never fail because of the broker.
func Emit(ctx context.Context, pub Publisher, log *slog.Logger, eventType string, data any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, eventType, NewEnvelope(eventType, data)); err != nil && log != nil {
		log.Warn("event publish failed", slog.String("type", eventType), slog.Any("error", err))
	}
}
