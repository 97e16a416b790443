// Package ratelimit implements per-host token bucket limits for feed fetches.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
)

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting while still tracking hosts.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter hands out one token bucket per feed host, so a slow or strict
// publisher never throttles fetches against other hosts.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		limit:   rate.Limit(cfg.DefaultRPS),
		burst:   max(cfg.DefaultBurst, 1),
		buckets: make(map[string]*rate.Limiter),
	}
	if cfg.DefaultRPS <= 0 {
		l.limit = rate.Inf
	}
	return l
}

// Wait blocks until the host of feedURL has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, feedURL string) error {
	host := metrics.SanitizeSite(feedURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	// An immediately available token is not a delay.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts reports how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = b
	}
	return b
}
