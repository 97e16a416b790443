// Package retry implements the bounded, fixed-interval reconnect policy shared
// by the broker and publisher drivers.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
)

// Policy retries an operation up to MaxAttempts times, sleeping Interval
// between attempts.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt failed.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	return attempt < p.attempts()
}

// Backoff returns the fixed wait between attempts.
func (p Policy) Backoff(int) time.Duration {
	if p.Interval < 0 {
		return 0
	}
	return p.Interval
}

// Do runs op until it succeeds or the attempts are exhausted. Exhaustion
// returns an error wrapping feed.ErrConnectionFailed. Context cancellation
// stops early and returns the context error instead.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, target string, op func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		logger.Info("connecting", zap.String("target", target), zap.Int("attempt", attempt))
		lastErr = op(ctx)
		if lastErr == nil {
			logger.Info("connected", zap.String("target", target))
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("connect %s: %w", target, ctx.Err())
		}
		logger.Error("connection attempt failed",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if !p.ShouldRetry(lastErr, attempt) {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return fmt.Errorf("connect %s: %w", target, err)
		}
	}
	logger.Error("giving up connecting", zap.String("target", target), zap.Int("attempts", p.attempts()))
	return fmt.Errorf("%w: %s after %d attempts: %v", feed.ErrConnectionFailed, target, p.attempts(), lastErr)
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
