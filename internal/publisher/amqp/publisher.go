// Package amqp publishes result records to a RabbitMQ direct exchange.
package amqp

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/rabbitmq"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
)

// Config names the result exchange and routing key.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	Retry      retry.Policy
}

// channel is the slice of *amqp.Channel the publisher sends through.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// connector hands out the current channel and replaces it on demand.
type connector interface {
	Failed() error
	Current() channel
	Reconnect(ctx context.Context) (channel, error)
	Close() error
}

// sessionConnector adapts a rabbitmq.Session to connector.
type sessionConnector struct {
	*rabbitmq.Session
}

func (s sessionConnector) Current() channel {
	if ch, _ := s.Channel(); ch != nil {
		return ch
	}
	return nil
}

func (s sessionConnector) Reconnect(ctx context.Context) (channel, error) {
	ch, _, err := s.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Publisher sends persistent JSON messages. It reconnects under the retry
// policy and replays the failed publish once on the new channel. If that
// single resend also fails the error is returned as is, without
// feed.ErrConnectionFailed, so the caller treats it as a per-record failure.
type Publisher struct {
	cfg    Config
	conn   connector
	logger *zap.Logger
}

var _ feed.ResultPublisher = (*Publisher)(nil)

// New declares the result exchange and returns a ready publisher.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "result_publisher"), zap.String("exchange", cfg.Exchange)),
	}
	session := rabbitmq.NewSession(cfg.URL, cfg.Retry, p.declare, p.logger)
	if _, _, err := session.Connect(ctx); err != nil {
		return nil, err
	}
	p.conn = sessionConnector{session}
	return p, nil
}

func (p *Publisher) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", p.cfg.Exchange, err)
	}
	return nil
}

// Publish sends payload with the configured routing key.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.conn.Failed(); err != nil {
		return err
	}
	ch := p.conn.Current()
	if ch == nil {
		var err error
		if ch, err = p.conn.Reconnect(ctx); err != nil {
			return err
		}
	}
	err := p.send(ctx, ch, payload)
	if err == nil || !rabbitmq.IsConnectionError(err) {
		return err
	}

	p.logger.Warn("publish channel lost, reconnecting", zap.Error(err))
	ch, err = p.conn.Reconnect(ctx)
	if err != nil {
		return err
	}
	return p.send(ctx, ch, payload)
}

func (p *Publisher) send(ctx context.Context, ch channel, payload []byte) error {
	err := ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.cfg.Exchange, p.cfg.RoutingKey, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
