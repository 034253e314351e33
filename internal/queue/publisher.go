package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends ReservationEvents to durable queues on the default
// exchange. The connection is opened lazily and re-opened after the broker
// drops it.
type Publisher struct {
	url string
	log *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

// NewPublisher constructs a Publisher for the broker at url.
func NewPublisher(url string, log *zap.Logger) *Publisher {
	return &Publisher{
		url:      url,
		log:      log,
		declared: make(map[string]bool),
	}
}

// Publish marshals ev and sends it to the queue named by ev.Type.
func (p *Publisher) Publish(ctx context.Context, ev ReservationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelFor(ev.Type)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		ev.Type, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    uuid.New().String(),
			Body:         body,
		},
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	p.log.Debug("event published",
		zap.String("type", ev.Type),
		zap.String("reservation_id", ev.ReservationID),
	)
	return nil
}

// channelFor returns an open channel with queue declared. Callers hold p.mu.
func (p *Publisher) channelFor(queue string) (*amqp.Channel, error) {
	if p.conn == nil || p.conn.IsClosed() || p.channel == nil || p.channel.IsClosed() {
		p.reset()
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		p.conn, p.channel = conn, ch
		p.log.Info("connected to rabbitmq")
	}

	if !p.declared[queue] {
		if _, err := p.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			p.reset()
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	return p.channel, nil
}

func (p *Publisher) reset() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.channel = nil, nil
	p.declared = make(map[string]bool)
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	err := p.conn.Close()
	p.conn, p.channel = nil, nil
	return err
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

// Publish implements the publisher contract without side effects.
func (Nop) Publish(context.Context, ReservationEvent) error { return nil }
