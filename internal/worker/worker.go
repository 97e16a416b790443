// Package worker runs the HTTP fetch goroutines fed by the dispatcher.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
)

// DefaultPollInterval is how long a worker waits on its input queue before
// re-checking the stop flag.
const DefaultPollInterval = time.Second

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
}

// Worker fetches one link at a time from the input queue and pushes the
// outcome to the output queue. It never touches the broker, publisher or
// parser.
type Worker struct {
	id     int
	in     <-chan feed.FetchRequest
	out    chan<- feed.FetchOutcome
	stop   *atomic.Bool
	client feed.HTTPClient
	cfg    Config
	logger *zap.Logger

	alive atomic.Bool
	done  chan struct{}
}

// New constructs a Worker. Call Start to run it.
func New(
	id int,
	in <-chan feed.FetchRequest,
	out chan<- feed.FetchOutcome,
	stop *atomic.Bool,
	client feed.HTTPClient,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Worker{
		id:     id,
		in:     in,
		out:    out,
		stop:   stop,
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", id)),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.alive.Store(true)
	go w.run()
}

// Alive reports whether the goroutine is still running.
func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Join waits up to timeout for the goroutine to exit and reports whether it
// did. A worker stuck in a fetch is abandoned.
func (w *Worker) Join(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		w.logger.Warn("worker did not stop in time, abandoning it", zap.Duration("timeout", timeout))
		return false
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.alive.Store(false)
	defer func() {
		// A panic ends this worker; the dispatcher sees it as dead and
		// replaces it.
		if r := recover(); r != nil {
			w.logger.Error("worker crashed",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	w.logger.Debug("worker started")
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for !w.stop.Load() {
		select {
		case req, ok := <-w.in:
			if !ok {
				return
			}
			w.fetch(req)
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.cfg.PollInterval)
	}
	w.logger.Debug("worker stopped")
}

func (w *Worker) fetch(req feed.FetchRequest) {
	logger := w.logger.With(zap.String("link", req.Link))
	resp, err := w.client.Get(context.Background(), req.Link)
	switch {
	case err != nil:
		logger.Error("error while fetching feed", zap.Error(err))
		w.emit(feed.FetchFailed(req.Link, err.Error()))
	case resp.StatusCode == http.StatusOK:
		logger.Info("fetched feed", zap.Int("bytes", len(resp.Body)))
		w.emit(feed.FetchSucceeded(req.Link, resp.Body))
	case resp.StatusCode == http.StatusNotModified:
		// No outcome is emitted, so the dispatcher keeps this link in flight
		// until shutdown rejects it.
		logger.Debug("feed not modified, no outcome emitted")
	default:
		logger.Error("unexpected status code", zap.Int("status", resp.StatusCode))
		w.emit(feed.FetchFailed(req.Link, fmt.Sprintf("result status code mismatch, status code:%d", resp.StatusCode)))
	}
}

func (w *Worker) emit(outcome feed.FetchOutcome) {
	select {
	case w.out <- outcome:
	default:
		w.logger.Warn("output queue full, dropping outcome", zap.String("link", outcome.Link))
		metrics.ObserveDroppedOutcome()
	}
}
