// Package rabbitmq streams domain events to a topic exchange so external
// collaborators can consume them without registering webhooks.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// Config locates the broker and the topic exchange events go to.
type Config struct {
	URL            string
	Exchange       string
	PublishTimeout time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

// channel is the subset of *amqp091.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher publishes each event with its type as routing key.
type Publisher struct {
	cfg    Config
	conn   *amqp091.Connection
	ch     channel
	logger zerolog.Logger
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp091.Dial(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := newPublisher(cfg, ch)
	p.conn = conn
	return p, nil
}

func newPublisher(cfg Config, ch channel) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		ch:     ch,
		logger: log.With().Str("component", "amqp_publisher").Logger(),
	}
}

// Publish sends ev to the exchange. The body matches the webhook payload.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	body, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.Timestamp,
		Type:         string(ev.Type),
		Headers: amqp091.Table{
			"tenant_id":  ev.TenantID,
			"session_id": ev.SessionID,
		},
		Body: body,
	}
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, string(ev.Type), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Handle adapts Publish to the event bus. Failures are logged; the broker is
// a best-effort side channel.
func (p *Publisher) Handle(ctx context.Context, ev domain.Event) {
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.Warn().
			Err(err).
			Str("event", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("event publish failed")
	}
}

func (p *Publisher) Close() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
