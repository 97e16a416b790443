// Package kafka publishes result records to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
)

// Config names the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
	Retry   retry.Policy
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per record, keyed by the feed link so that
// records for one feed stay ordered within a partition.
type Publisher struct {
	w      writer
	topic  string
	policy retry.Policy
	logger *zap.Logger
}

var _ feed.ResultPublisher = (*Publisher)(nil)

// New builds a publisher on a kafka.Writer.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher needs at least one broker")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(w, cfg, logger), nil
}

func newPublisher(w writer, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		w:      w,
		topic:  cfg.Topic,
		policy: cfg.Retry,
		logger: logger.With(zap.String("component", "result_publisher"), zap.String("topic", cfg.Topic)),
	}
}

// Publish writes payload, retrying under the policy.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	msg := kafka.Message{Key: linkKey(payload), Value: payload}
	return p.policy.Do(ctx, p.logger, "kafka topic "+p.topic, func(ctx context.Context) error {
		if err := p.w.WriteMessages(ctx, msg); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		return nil
	})
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
