// Package dispatcher runs the control loop that moves jobs from the task
// broker through the worker pool to the result publisher.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
)

const tracerName = "github.com/JakeFAU/rss-fetch-worker/internal/dispatcher"

// DefaultJoinTimeout bounds the wait for each worker at shutdown.
const DefaultJoinTimeout = 3 * time.Second

// Worker is a running fetch goroutine as seen by the dispatcher.
type Worker interface {
	Start()
	Alive() bool
	Join(timeout time.Duration) bool
}

// WorkerFactory builds a worker bound to the shared queues and stop flag.
type WorkerFactory func(id int, in <-chan feed.FetchRequest, out chan<- feed.FetchOutcome, stop *atomic.Bool) Worker

// Config sizes the pool.
type Config struct {
	WorkerCount int
	// OutputQueueSize defaults to WorkerCount.
	OutputQueueSize int
	JoinTimeout     time.Duration
}

// Dispatcher owns the in-flight index. Only the goroutine inside Run touches
// it; the exported snapshot methods are safe from any goroutine. Once Run
// returns, the broker and publisher are closed.
//
// An outcome for a link that is not in flight is logged at DPanic. With a
// development logger (logging.development=true) that panics and crashes the
// control loop; in production it is logged at error and the outcome dropped.
type Dispatcher struct {
	cfg       Config
	broker    feed.TaskBroker
	publisher feed.ResultPublisher
	parser    feed.ContentParser
	newWorker WorkerFactory
	logger    *zap.Logger
	tracer    trace.Tracer

	in   chan feed.FetchRequest
	out  chan feed.FetchOutcome
	stop atomic.Bool

	workers  []Worker
	nextID   int
	inFlight map[string]feed.DeliveryToken

	inFlightN atomic.Int64
	liveN     atomic.Int64
	ready     atomic.Bool
	running   atomic.Bool
	closeOnce sync.Once
}

// New validates the configuration and builds a Dispatcher. Workers are not
// started until Run.
func New(
	cfg Config,
	broker feed.TaskBroker,
	publisher feed.ResultPublisher,
	parser feed.ContentParser,
	newWorker WorkerFactory,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.WorkerCount)
	}
	if broker == nil || publisher == nil || parser == nil || newWorker == nil {
		return nil, errors.New("dispatcher needs a broker, publisher, parser and worker factory")
	}
	if cfg.OutputQueueSize <= 0 {
		cfg.OutputQueueSize = cfg.WorkerCount
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		broker:    broker,
		publisher: publisher,
		parser:    parser,
		newWorker: newWorker,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		in:        make(chan feed.FetchRequest, cfg.WorkerCount),
		out:       make(chan feed.FetchOutcome, cfg.OutputQueueSize),
		inFlight:  make(map[string]feed.DeliveryToken, cfg.WorkerCount),
	}, nil
}

// Run starts the workers and loops until ctx is cancelled or a connection
// failure occurs, then runs the termination sequence. Cancellation returns
// nil; a connection failure is returned wrapped.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	d.start()
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.WorkerCount))

	var err error
	for ctx.Err() == nil {
		if err = d.iterate(ctx); err != nil {
			d.logger.Error("dispatcher stopping on fatal error", zap.Error(err))
			break
		}
	}
	d.shutdown()
	return err
}

func (d *Dispatcher) start() {
	d.workers = make([]Worker, 0, d.cfg.WorkerCount)
	for range d.cfg.WorkerCount {
		d.workers = append(d.workers, d.spawn())
	}
	d.liveN.Store(int64(len(d.workers)))
	metrics.SetLiveWorkers(len(d.workers))
	d.ready.Store(true)
}

func (d *Dispatcher) spawn() Worker {
	d.nextID++
	w := d.newWorker(d.nextID, d.in, d.out, &d.stop)
	w.Start()
	return w
}

// iterate runs one health check, at most one admission and a full drain.
func (d *Dispatcher) iterate(ctx context.Context) error {
	d.checkWorkers()
	if err := d.admit(ctx); err != nil {
		return err
	}
	err := d.drain(ctx)
	d.inFlightN.Store(int64(len(d.inFlight)))
	metrics.SetInFlight(len(d.inFlight))
	return err
}

func (d *Dispatcher) checkWorkers() {
	for i, w := range d.workers {
		if w.Alive() {
			continue
		}
		d.logger.Error("worker is dead, starting a replacement", zap.Int("slot", i))
		d.workers[i] = d.spawn()
		metrics.ObserveWorkerRestart()
	}
	d.liveN.Store(int64(len(d.workers)))
	metrics.SetLiveWorkers(len(d.workers))
}

func (d *Dispatcher) admit(ctx context.Context) error {
	if len(d.inFlight) >= d.cfg.WorkerCount {
		return nil
	}
	delivery, ok, err := d.broker.NextJob(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("next job: %w", err)
	}
	if !ok {
		return nil
	}

	link := delivery.Job.Link
	if existing, dup := d.inFlight[link]; dup {
		d.logger.Warn("link already in flight, rejecting duplicate delivery",
			zap.String("link", link),
			zap.Uint64("in_flight_token", uint64(existing)),
			zap.Uint64("token", uint64(delivery.Token)),
		)
		metrics.ObserveDuplicate()
		return d.settleErr("reject", link, d.broker.Reject(context.WithoutCancel(ctx), delivery.Token))
	}

	d.inFlight[link] = delivery.Token
	// Cannot block: the input queue holds WorkerCount requests and at most
	// WorkerCount links are in flight.
	d.in <- feed.FetchRequest{Link: link}
	metrics.ObserveAdmission()
	d.logger.Debug("job admitted", zap.String("link", link), zap.Int("in_flight", len(d.inFlight)))
	return nil
}

func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		select {
		case outcome := <-d.out:
			if err := d.handleOutcome(ctx, outcome); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (d *Dispatcher) handleOutcome(ctx context.Context, outcome feed.FetchOutcome) error {
	token, ok := d.inFlight[outcome.Link]
	if !ok {
		d.logger.DPanic("outcome for a link that is not in flight", zap.String("link", outcome.Link))
		return nil
	}

	// Finished work is published and settled even when shutdown has begun.
	ctx = context.WithoutCancel(ctx)
	ctx, span := d.tracer.Start(ctx, "dispatcher.handle_outcome",
		trace.WithAttributes(attribute.String("feed.link", outcome.Link)))
	defer span.End()

	record, status := d.buildRecord(outcome)
	span.SetAttributes(attribute.String("feed.outcome", status))
	payload, err := feed.EncodeRecord(record)
	if err != nil {
		d.logger.DPanic("publish record failed validation", zap.String("link", outcome.Link), zap.Error(err))
		payload, err = feed.EncodeRecord(feed.ErrorRecord(outcome.Link, err.Error()))
		if err != nil {
			return fmt.Errorf("encode fallback record: %w", err)
		}
	}

	if err := d.publisher.Publish(ctx, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if errors.Is(err, feed.ErrConnectionFailed) {
			return fmt.Errorf("publish result for %s: %w", outcome.Link, err)
		}
		// The job goes back to the broker so the result is not lost.
		d.logger.Error("publish failed, rejecting job", zap.String("link", outcome.Link), zap.Error(err))
		delete(d.inFlight, outcome.Link)
		return d.settleErr("reject", outcome.Link, d.broker.Reject(ctx, token))
	}

	err = d.broker.Acknowledge(ctx, token)
	delete(d.inFlight, outcome.Link)
	metrics.ObserveOutcome(status)
	d.logger.Info("result published", zap.String("link", outcome.Link), zap.String("outcome", status))
	return d.settleErr("ack", outcome.Link, err)
}

func (d *Dispatcher) buildRecord(outcome feed.FetchOutcome) (feed.PublishRecord, string) {
	if err := outcome.Validate(); err != nil {
		d.logger.DPanic("invalid fetch outcome", zap.String("link", outcome.Link), zap.Error(err))
		return feed.ErrorRecord(outcome.Link, err.Error()), metrics.OutcomeFetchFailed
	}
	if outcome.Failed() {
		return feed.ErrorRecord(outcome.Link, *outcome.Error), metrics.OutcomeFetchFailed
	}
	items, err := d.parser.Parse(*outcome.Body)
	if err != nil {
		d.logger.Warn("feed could not be parsed", zap.String("link", outcome.Link), zap.Error(err))
		return feed.ErrorRecord(outcome.Link, err.Error()), metrics.OutcomeParseFailed
	}
	return feed.ItemsRecord(outcome.Link, items), metrics.OutcomeParsed
}

// settleErr turns a settlement error into the loop's result: connection
// failures are fatal, anything else is logged.
func (d *Dispatcher) settleErr(op, link string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, feed.ErrConnectionFailed) {
		return fmt.Errorf("%s %s: %w", op, link, err)
	}
	d.logger.Error("settlement failed", zap.String("op", op), zap.String("link", link), zap.Error(err))
	return nil
}

// shutdown runs the termination sequence once: stop and join the workers,
// close the publisher, reject everything still in flight and close the
// broker.
func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		d.ready.Store(false)
		d.stop.Store(true)
		for i, w := range d.workers {
			if !w.Join(d.cfg.JoinTimeout) {
				d.logger.Warn("abandoning worker that did not stop", zap.Int("slot", i))
			}
		}
		d.liveN.Store(0)
		metrics.SetLiveWorkers(0)

		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("closing publisher", zap.Error(err))
		}

		ctx := context.Background()
		for link, token := range d.inFlight {
			if err := d.broker.Reject(ctx, token); err != nil {
				d.logger.Warn("rejecting in-flight job", zap.String("link", link), zap.Error(err))
			}
			delete(d.inFlight, link)
		}
		d.inFlightN.Store(0)
		metrics.SetInFlight(0)

		if err := d.broker.Close(); err != nil {
			d.logger.Warn("closing broker", zap.Error(err))
		}
		d.logger.Info("dispatcher stopped")
	})
}

// InFlight returns the in-flight index size as of the last iteration.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlightN.Load())
}

// LiveWorkers returns the worker count as of the last health check.
func (d *Dispatcher) LiveWorkers() int {
	return int(d.liveN.Load())
}

// Ready reports whether the loop is running.
func (d *Dispatcher) Ready() bool {
	return d.ready.Load()
}
