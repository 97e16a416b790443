// Package memory provides an in-process task broker for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue closed")

// Broker is a bounded in-memory task queue with broker-style settlement:
// rejected jobs go back to the tail of the queue.
type Broker struct {
	ch          chan []byte
	done        chan struct{}
	readTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	closed   bool
	next     feed.DeliveryToken
	pending  map[feed.DeliveryToken][]byte
	acked    []string
	rejected []string
}

var _ feed.TaskBroker = (*Broker)(nil)

// NewBroker constructs a broker with the provided capacity.
func NewBroker(capacity int, readTimeout time.Duration, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		ch:          make(chan []byte, capacity),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
		logger:      logger.With(zap.String("component", "task_broker")),
		pending:     make(map[feed.DeliveryToken][]byte),
	}
}

// Enqueue pushes a raw task body, blocking while the queue is full until the
// context ends or the broker closes. Settlement never waits on a blocked
// producer.
func (b *Broker) Enqueue(ctx context.Context, body []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-b.done:
		return ErrClosed
	case b.ch <- body:
		return nil
	}
}

// EnqueueJob encodes and enqueues a job.
func (b *Broker) EnqueueJob(ctx context.Context, job feed.Job) error {
	body, err := feed.EncodeJob(job)
	if err != nil {
		return err
	}
	return b.Enqueue(ctx, body)
}

// NextJob waits up to the read timeout for a job. A closed broker returns
// ErrClosed even when tasks are still buffered.
func (b *Broker) NextJob(ctx context.Context) (feed.Delivery, bool, error) {
	timer := time.NewTimer(b.readTimeout)
	defer timer.Stop()
	for {
		select {
		case <-b.done:
			return feed.Delivery{}, false, ErrClosed
		default:
		}
		select {
		case <-ctx.Done():
			return feed.Delivery{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-b.done:
			return feed.Delivery{}, false, ErrClosed
		case <-timer.C:
			return feed.Delivery{}, false, nil
		case body := <-b.ch:
			job, err := feed.DecodeJob(body)
			if err != nil {
				b.logger.Error("discarding malformed task", zap.ByteString("body", body), zap.Error(err))
				b.mu.Lock()
				b.acked = append(b.acked, string(body))
				b.mu.Unlock()
				continue
			}
			b.mu.Lock()
			b.next++
			token := b.next
			b.pending[token] = body
			b.mu.Unlock()
			return feed.Delivery{Job: job, Token: token}, true, nil
		}
	}
}

// Acknowledge settles a delivery.
func (b *Broker) Acknowledge(_ context.Context, token feed.DeliveryToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.pending[token]
	if !ok {
		return fmt.Errorf("ack: unknown delivery token %d", token)
	}
	delete(b.pending, token)
	b.acked = append(b.acked, string(body))
	metrics.ObserveAck()
	return nil
}

// Reject requeues a delivery at the tail. When the queue is full or closed
// the body is dropped with a warning.
func (b *Broker) Reject(_ context.Context, token feed.DeliveryToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.pending[token]
	if !ok {
		return fmt.Errorf("reject: unknown delivery token %d", token)
	}
	delete(b.pending, token)
	b.rejected = append(b.rejected, string(body))
	metrics.ObserveReject()
	if b.closed {
		return nil
	}
	select {
	case b.ch <- body:
	default:
		b.logger.Warn("queue full, dropping rejected task", zap.ByteString("body", body))
	}
	return nil
}

// Acked returns the bodies acknowledged so far, malformed ones included.
func (b *Broker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Rejected returns the bodies rejected so far.
func (b *Broker) Rejected() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.rejected...)
}

// Len reports queued, unconsumed tasks.
func (b *Broker) Len() int {
	return len(b.ch)
}

// Close wakes blocked producers and consumers with ErrClosed. The task
// channel itself stays open so a send racing Close cannot panic. Closing
// twice is safe.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	close(b.done)
	b.closed = true
	return nil
}
