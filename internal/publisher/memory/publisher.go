// Package memory contains an in-memory result publisher for local runs and
// tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
)

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("publisher closed")

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages [][]byte
	failWith error
	closed   bool
}

var _ feed.ResultPublisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. A nil err restores normal
// behaviour.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records a copy of the payload.
func (p *Publisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.failWith != nil {
		return p.failWith
	}
	p.messages = append(p.messages, append([]byte(nil), payload...))
	return nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][]byte, len(p.messages))
	for i, m := range p.messages {
		out[i] = append([]byte(nil), m...)
	}
	return out
}

// Close marks the publisher closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
