// Package pubsub implements the task broker on a Google Cloud Pub/Sub
// subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
)

// Config describes the subscription.
type Config struct {
	Subscription string
	// Prefetch bounds outstanding messages held by the receive loop.
	Prefetch    int
	ReadTimeout time.Duration
	Retry       retry.Policy
	// CloseTimeout bounds how long Close waits for the receive loop.
	CloseTimeout time.Duration
}

type message struct {
	data []byte
	ack  func()
	nack func()
}

// source runs a blocking receive loop, handing each message to deliver. It
// returns nil only once ctx is done.
type source func(ctx context.Context, deliver func(message)) error

// Broker adapts the streaming Receive API to the pull-style TaskBroker
// contract. A background goroutine receives messages and hands them over one
// at a time; NextJob, Acknowledge and Reject are called from one goroutine.
type Broker struct {
	cfg    Config
	logger *zap.Logger
	source source

	inbound chan message
	cancel  context.CancelFunc
	done    chan struct{}

	errMu sync.Mutex
	fatal error

	nextToken feed.DeliveryToken
	pending   map[feed.DeliveryToken]message
}

var _ feed.TaskBroker = (*Broker)(nil)

// New starts receiving from the named subscription.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Broker, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	sub := client.Subscriber(cfg.Subscription)
	if cfg.Prefetch > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.Prefetch
	}
	src := func(ctx context.Context, deliver func(message)) error {
		return sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
			deliver(message{data: m.Data, ack: m.Ack, nack: m.Nack})
		})
	}
	return newBroker(src, cfg, logger), nil
}

func newBroker(src source, cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "task_broker"), zap.String("subscription", cfg.Subscription)),
		source:  src,
		inbound: make(chan message),
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[feed.DeliveryToken]message),
	}
	go b.receive(ctx)
	return b
}

func (b *Broker) receive(ctx context.Context) {
	defer close(b.done)
	target := "pubsub subscription " + b.cfg.Subscription
	for ctx.Err() == nil {
		err := b.cfg.Retry.Do(ctx, b.logger, target, func(ctx context.Context) error {
			var delivered atomic.Bool
			err := b.source(ctx, func(m message) {
				delivered.Store(true)
				b.deliver(ctx, m)
			})
			switch {
			case ctx.Err() != nil:
				return nil
			case err == nil:
				return errors.New("receive returned without error")
			case delivered.Load():
				// The stream was healthy before it dropped; start a fresh budget.
				b.logger.Warn("subscription stream dropped", zap.Error(err))
				return nil
			default:
				return err
			}
		})
		if err != nil && ctx.Err() == nil {
			b.errMu.Lock()
			b.fatal = err
			b.errMu.Unlock()
			return
		}
	}
}

func (b *Broker) deliver(ctx context.Context, m message) {
	select {
	case b.inbound <- m:
	case <-ctx.Done():
		m.nack()
	}
}

func (b *Broker) failure() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.fatal
}

// NextJob waits up to the read timeout for one message. Malformed bodies are
// acknowledged, logged and skipped.
func (b *Broker) NextJob(ctx context.Context) (feed.Delivery, bool, error) {
	if err := b.failure(); err != nil {
		return feed.Delivery{}, false, err
	}
	timer := time.NewTimer(b.cfg.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return feed.Delivery{}, false, ctx.Err()
		case <-timer.C:
			return feed.Delivery{}, false, nil
		case <-b.done:
			if err := b.failure(); err != nil {
				return feed.Delivery{}, false, err
			}
			return feed.Delivery{}, false, fmt.Errorf("%w: subscription closed", feed.ErrConnectionFailed)
		case m := <-b.inbound:
			job, err := feed.DecodeJob(m.data)
			if err != nil {
				b.logger.Error("discarding malformed task", zap.ByteString("body", m.data), zap.Error(err))
				m.ack()
				continue
			}
			b.nextToken++
			b.pending[b.nextToken] = m
			return feed.Delivery{Job: job, Token: b.nextToken}, true, nil
		}
	}
}

// Acknowledge acks the message behind token.
func (b *Broker) Acknowledge(_ context.Context, token feed.DeliveryToken) error {
	m, ok := b.pending[token]
	if !ok {
		return fmt.Errorf("ack: unknown delivery token %d", token)
	}
	delete(b.pending, token)
	m.ack()
	metrics.ObserveAck()
	return nil
}

// Reject nacks the message so Pub/Sub redelivers it.
func (b *Broker) Reject(_ context.Context, token feed.DeliveryToken) error {
	m, ok := b.pending[token]
	if !ok {
		return fmt.Errorf("reject: unknown delivery token %d", token)
	}
	delete(b.pending, token)
	m.nack()
	metrics.ObserveReject()
	return nil
}

// Close stops the receive loop. Messages still pending are nacked.
func (b *Broker) Close() error {
	b.cancel()
	for token, m := range b.pending {
		m.nack()
		delete(b.pending, token)
	}
	select {
	case <-b.done:
		return nil
	case <-time.After(b.cfg.CloseTimeout):
		return errors.New("pubsub receive loop did not stop in time")
	}
}
