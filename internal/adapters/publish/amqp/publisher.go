// Package amqp publishes payment, message and score events to a RabbitMQ
// topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/bnema/paychat/internal/ports"
)

const (
	DefaultExchange      = "paychat.events"
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 500 * time.Millisecond
	maxRetryDelay        = 30 * time.Second
)

// Envelope is the JSON body of every published event.
type Envelope struct {
	ID         string    `json:"id"`
	RoutingKey string    `json:"routing_key"`
	At         time.Time `json:"at"`
	Payload    any       `json:"payload"`
}

// channel is the subset of *amqp091.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type Options struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
	Clock         ports.Clock
	Logger        *slog.Logger
}

func (o *Options) defaults() {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Clock == nil {
		o.Clock = ports.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Publisher struct {
	mu       sync.Mutex
	ch       channel
	conn     io.Closer
	exchange string
	clock    ports.Clock
	logger   *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// Dial connects with retries, declares the exchange and returns a ready
// publisher.
func Dial(ctx context.Context, opts Options) (*Publisher, error) {
	opts.defaults()
	if opts.URL == "" {
		return nil, errors.New("amqp url is required")
	}

	conn, err := DialWithRetry(ctx, opts.URL, opts.RetryAttempts, opts.RetryDelay, opts.Logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := newPublisher(ch, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(ch channel, conn io.Closer, opts Options) (*Publisher, error) {
	opts.defaults()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	return &Publisher{
		ch:       ch,
		conn:     conn,
		exchange: opts.Exchange,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	env := Envelope{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		At:         p.clock.Now(),
		Payload:    payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	p.logger.Debug("event published", slog.String("key", routingKey), slog.String("exchange", p.exchange))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
