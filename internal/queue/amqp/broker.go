// Package amqp implements the task broker on a RabbitMQ direct exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
	"github.com/JakeFAU/rss-fetch-worker/internal/rabbitmq"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
)

// Config describes the task topology and consumer settings.
type Config struct {
	URL         string
	Exchange    string
	Queue       string
	BindingKey  string
	ConsumerTag string
	// Prefetch caps unacknowledged deliveries on the channel.
	Prefetch    int
	ReadTimeout time.Duration
	Retry       retry.Policy
}

type pending struct {
	tag        uint64
	generation uint64
}

// Broker consumes jobs from a durable queue bound to a direct exchange.
// Tokens are issued by the broker itself so that a token never aliases a
// delivery tag from a newer channel. Broker is driven by a single goroutine.
type Broker struct {
	cfg     Config
	session *rabbitmq.Session
	logger  *zap.Logger

	deliveries <-chan amqp.Delivery
	nextToken  feed.DeliveryToken
	pending    map[feed.DeliveryToken]pending
}

var _ feed.TaskBroker = (*Broker)(nil)

// New declares the topology and starts consuming. It blocks for the full
// retry budget when the broker is unreachable.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	b := newBroker(cfg, logger)
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func newBroker(cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	b := &Broker{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "task_broker"), zap.String("queue", cfg.Queue)),
		pending: make(map[feed.DeliveryToken]pending),
	}
	b.session = rabbitmq.NewSession(cfg.URL, cfg.Retry, b.declare, b.logger)
	return b
}

func (b *Broker) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", b.cfg.Exchange, err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	q, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", b.cfg.Queue, err)
	}
	if err := ch.QueueBind(q.Name, b.cfg.BindingKey, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, b.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", q.Name, err)
	}
	b.deliveries = deliveries
	return nil
}

func (b *Broker) connect(ctx context.Context) error {
	b.deliveries = nil
	if _, _, err := b.session.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// NextJob waits up to the read timeout for one delivery. Malformed bodies are
// acknowledged, logged and skipped without being returned.
func (b *Broker) NextJob(ctx context.Context) (feed.Delivery, bool, error) {
	if err := b.session.Failed(); err != nil {
		return feed.Delivery{}, false, err
	}
	timer := time.NewTimer(b.cfg.ReadTimeout)
	defer timer.Stop()

	for {
		if b.deliveries == nil {
			if err := b.connect(ctx); err != nil {
				return feed.Delivery{}, false, err
			}
		}
		select {
		case <-ctx.Done():
			return feed.Delivery{}, false, ctx.Err()
		case <-timer.C:
			return feed.Delivery{}, false, nil
		case d, ok := <-b.deliveries:
			if !ok {
				b.logger.Warn("consumer channel closed, reconnecting")
				b.deliveries = nil
				continue
			}
			job, err := feed.DecodeJob(d.Body)
			if err != nil {
				b.logger.Error("discarding malformed task", zap.ByteString("body", d.Body), zap.Error(err))
				if ackErr := d.Ack(false); ackErr != nil {
					b.logger.Warn("ack of malformed task failed", zap.Error(ackErr))
				}
				continue
			}
			_, generation := b.session.Channel()
			b.nextToken++
			b.pending[b.nextToken] = pending{tag: d.DeliveryTag, generation: generation}
			return feed.Delivery{Job: job, Token: b.nextToken}, true, nil
		}
	}
}

// Acknowledge confirms a delivery so it is not redelivered.
func (b *Broker) Acknowledge(ctx context.Context, token feed.DeliveryToken) error {
	err := b.settle(ctx, token, "ack", func(ch *amqp.Channel, tag uint64) error {
		return ch.Ack(tag, false)
	})
	if err == nil {
		metrics.ObserveAck()
	}
	return err
}

// Reject returns a delivery to the queue.
func (b *Broker) Reject(ctx context.Context, token feed.DeliveryToken) error {
	err := b.settle(ctx, token, "reject", func(ch *amqp.Channel, tag uint64) error {
		return ch.Reject(tag, true)
	})
	if err == nil {
		metrics.ObserveReject()
	}
	return err
}

// settle runs op against the channel that produced the delivery. When that
// channel has died the server has already requeued the delivery, so a
// reconnect is attempted but the operation is not replayed on the new
// channel.
func (b *Broker) settle(ctx context.Context, token feed.DeliveryToken, verb string, op func(*amqp.Channel, uint64) error) error {
	p, ok := b.pending[token]
	if !ok {
		return fmt.Errorf("%s: unknown delivery token %d", verb, token)
	}
	delete(b.pending, token)

	if err := b.session.Failed(); err != nil {
		return err
	}
	ch, generation := b.session.Channel()
	if ch == nil || p.generation != generation {
		b.logger.Warn("skipping settle for delivery from a closed channel",
			zap.String("op", verb),
			zap.Uint64("token", uint64(token)),
		)
		return nil
	}

	err := op(ch, p.tag)
	if err == nil {
		return nil
	}
	if !rabbitmq.IsConnectionError(err) {
		return fmt.Errorf("%s delivery %d: %w", verb, token, err)
	}
	b.logger.Warn("channel lost during settle, reconnecting", zap.String("op", verb), zap.Error(err))
	if err := b.connect(ctx); err != nil {
		return err
	}
	return nil
}

// Close cancels the consumer and closes the connection.
func (b *Broker) Close() error {
	var errs []error
	if ch, _ := b.session.Channel(); ch != nil && b.cfg.ConsumerTag != "" {
		if err := ch.Cancel(b.cfg.ConsumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("cancel consumer: %w", err))
		}
	}
	if err := b.session.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
