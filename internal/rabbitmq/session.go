// Package rabbitmq manages a reconnecting AMQP 0-9-1 connection and channel
// for the task broker and result publisher.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
)

// Topology declares exchanges, queues, bindings and consumers on a freshly
// opened channel. It runs on every (re)connect.
type Topology func(ch *amqp.Channel) error

// Session owns one connection and one channel. It is not safe for concurrent
// use; each broker or publisher holds its own session.
type Session struct {
	url      string
	policy   retry.Policy
	topology Topology
	logger   *zap.Logger
	dial     func(string) (*amqp.Connection, error)

	conn       *amqp.Connection
	channel    *amqp.Channel
	generation uint64
	failed     error
}

// NewSession builds a Session. Nothing is dialled until Connect.
func NewSession(rawURL string, policy retry.Policy, topology Topology, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		url:      rawURL,
		policy:   policy,
		topology: topology,
		logger:   logger,
		dial:     amqp.Dial,
	}
}

// Connect drops any existing connection and dials a new one under the retry
// policy. Once the policy is exhausted the session stays failed and every
// later Connect returns the same error.
func (s *Session) Connect(ctx context.Context) (*amqp.Channel, uint64, error) {
	if s.failed != nil {
		return nil, s.generation, s.failed
	}
	s.closeQuietly()

	err := s.policy.Do(ctx, s.logger, "rabbitmq "+Redact(s.url), func(context.Context) error {
		return s.open()
	})
	if err != nil {
		if errors.Is(err, feed.ErrConnectionFailed) {
			s.failed = err
		}
		return nil, s.generation, err
	}
	s.generation++
	return s.channel, s.generation, nil
}

func (s *Session) open() error {
	conn, err := s.dial(s.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if s.topology != nil {
		if err := s.topology(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare topology: %w", err)
		}
	}
	s.conn = conn
	s.channel = ch
	return nil
}

// Channel returns the current channel and its generation. The channel is nil
// before the first successful Connect.
func (s *Session) Channel() (*amqp.Channel, uint64) {
	return s.channel, s.generation
}

// Failed returns the latched connection failure, if any.
func (s *Session) Failed() error {
	return s.failed
}

// Close closes the channel and connection.
func (s *Session) Close() error {
	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	s.channel, s.conn = nil, nil
	return errors.Join(errs...)
}

func (s *Session) closeQuietly() {
	if err := s.Close(); err != nil {
		s.logger.Debug("closing stale rabbitmq connection", zap.Error(err))
	}
}

// IsConnectionError reports whether err means the channel or connection is
// gone and a reconnect is needed.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr)
}

// Redact hides credentials in a broker URL for logging.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
