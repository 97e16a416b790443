// Package pubsub implements a Google Cloud Pub/Sub result publisher.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
)

// sendFunc publishes one message and waits for the server-assigned ID.
type sendFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	send   sendFunc
	stop   func()
	topic  string
	policy retry.Policy
	logger *zap.Logger
}

var _ feed.ResultPublisher = (*Publisher)(nil)

// New creates a Publisher for the named topic.
func New(client *pubsub.Client, topic string, policy retry.Policy, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	pub := client.Publisher(topic)
	send := func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return pub.Publish(ctx, msg).Get(ctx)
	}
	return newPublisher(send, pub.Stop, topic, policy, logger), nil
}

func newPublisher(send sendFunc, stop func(), topic string, policy retry.Policy, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		send:   send,
		stop:   stop,
		topic:  topic,
		policy: policy,
		logger: logger.With(zap.String("component", "result_publisher"), zap.String("topic", topic)),
	}
}

// Publish sends payload and waits for the server to assign an ID. Trace
// context travels in the message attributes.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	if p.send == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	return p.policy.Do(ctx, p.logger, "pubsub topic "+p.topic, func(ctx context.Context) error {
		msg := &pubsub.Message{Data: payload, Attributes: make(map[string]string)}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

		id, err := p.send(ctx, msg)
		if err != nil {
			return fmt.Errorf("publish message: %w", err)
		}
		p.logger.Debug("published result", zap.String("message_id", id))
		return nil
	})
}

// Close flushes pending messages and stops the publisher.
func (p *Publisher) Close() error {
	if p.stop != nil {
		p.stop()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
