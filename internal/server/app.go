// Package server is the composition root: it builds every component once from
// the configuration, runs the dispatcher and tears everything down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/api"
	"github.com/JakeFAU/rss-fetch-worker/internal/config"
	"github.com/JakeFAU/rss-fetch-worker/internal/dispatcher"
	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/fetcher/httpclient"
	"github.com/JakeFAU/rss-fetch-worker/internal/id/uuid"
	"github.com/JakeFAU/rss-fetch-worker/internal/logging"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
	"github.com/JakeFAU/rss-fetch-worker/internal/parser/rss"
	"github.com/JakeFAU/rss-fetch-worker/internal/policy/ratelimit"
	amqppublisher "github.com/JakeFAU/rss-fetch-worker/internal/publisher/amqp"
	kafkapublisher "github.com/JakeFAU/rss-fetch-worker/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/rss-fetch-worker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/rss-fetch-worker/internal/publisher/pubsub"
	amqpqueue "github.com/JakeFAU/rss-fetch-worker/internal/queue/amqp"
	queueMemory "github.com/JakeFAU/rss-fetch-worker/internal/queue/memory"
	gcpqueue "github.com/JakeFAU/rss-fetch-worker/internal/queue/pubsub"
	"github.com/JakeFAU/rss-fetch-worker/internal/retry"
	"github.com/JakeFAU/rss-fetch-worker/internal/telemetry"
	"github.com/JakeFAU/rss-fetch-worker/internal/worker"
)

// memoryQueueDepth bounds the in-memory task queue.
const memoryQueueDepth = 1024

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	broker    feed.TaskBroker
	publisher feed.ResultPublisher
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pubsubClients  map[string]*pubsub.Client
	tracerShutdown func(context.Context) error

	ran       atomic.Bool
	closeOnce sync.Once
}

// Build creates the application's dependencies. Broker and publisher
// constructors block for their full retry budget when the backend is
// unreachable.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:           cfg,
		logger:        logger,
		pubsubClients: make(map[string]*pubsub.Client),
	}
	logger.Info("building application",
		zap.String("broker", cfg.Broker.Driver),
		zap.String("publisher", cfg.Publisher.Driver),
		zap.Int("workers", cfg.Worker.Count),
	)

	if cfg.Tracing.Enabled {
		opts := telemetry.Options{ServiceName: cfg.Tracing.ServiceName}
		if cfg.Tracing.Stdout {
			opts.Writer = os.Stdout
		}
		tp, err := telemetry.InitTracerProvider(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if app.broker, err = setupBroker(ctx, app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if app.dispatch, err = setupDispatcher(app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(app.dispatch, logger.Named("api"))
	}
	return app, nil
}

func retryPolicy(attempts int, interval time.Duration) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Interval: interval}
}

func setupBroker(ctx context.Context, app *App) (feed.TaskBroker, error) {
	cfg := app.cfg.Broker
	logger := app.logger.Named("broker")
	switch cfg.Driver {
	case config.DriverAMQP:
		b, err := amqpqueue.New(ctx, amqpqueue.Config{
			URL:         cfg.URL,
			Exchange:    cfg.Exchange,
			Queue:       cfg.Queue,
			BindingKey:  cfg.BindingKey,
			ConsumerTag: uuid.New().ConsumerTag("fetchworker"),
			Prefetch:    app.cfg.Worker.Count,
			ReadTimeout: cfg.ReadTimeout(),
			Retry:       retryPolicy(cfg.ConnectionRetry, cfg.RetryInterval()),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("amqp broker init failed: %w", err)
		}
		return b, nil
	case config.DriverPubSub:
		client, err := app.pubsubClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, err
		}
		b, err := gcpqueue.New(client, gcpqueue.Config{
			Subscription: cfg.PubSub.Subscription,
			Prefetch:     app.cfg.Worker.Count,
			ReadTimeout:  cfg.ReadTimeout(),
			Retry:        retryPolicy(cfg.ConnectionRetry, cfg.RetryInterval()),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub broker init failed: %w", err)
		}
		return b, nil
	case config.DriverMemory:
		logger.Info("using in-memory task queue")
		return queueMemory.NewBroker(memoryQueueDepth, cfg.ReadTimeout(), logger), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

func setupPublisher(ctx context.Context, app *App) (feed.ResultPublisher, error) {
	cfg := app.cfg.Publisher
	logger := app.logger.Named("publisher")
	policy := retryPolicy(cfg.ConnectionRetry, cfg.RetryInterval())
	switch cfg.Driver {
	case config.DriverAMQP:
		p, err := amqppublisher.New(ctx, amqppublisher.Config{
			URL:        cfg.URL,
			Exchange:   cfg.Exchange,
			RoutingKey: cfg.RoutingKey,
			Retry:      policy,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("amqp publisher init failed: %w", err)
		}
		return p, nil
	case config.DriverPubSub:
		client, err := app.pubsubClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, err
		}
		p, err := gcppublisher.New(client, cfg.PubSub.Topic, policy, logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		return p, nil
	case config.DriverKafka:
		p, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Retry:   policy,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		return p, nil
	case config.DriverMemory:
		logger.Info("using in-memory result publisher")
		return memorypublisher.New(), nil
	default:
		return nil, fmt.Errorf("unknown publisher driver %q", cfg.Driver)
	}
}

func setupDispatcher(app *App) (*dispatcher.Dispatcher, error) {
	clientCfg := httpclient.Config{
		Timeout:   app.cfg.HTTP.Timeout(),
		UserAgent: app.cfg.HTTP.UserAgent,
	}
	if rl := app.cfg.HTTP.RateLimit; rl.Enabled {
		clientCfg.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   rl.DefaultRPS,
			DefaultBurst: rl.DefaultBurst,
		})
	}
	client := httpclient.New(clientCfg)
	workerLogger := app.logger.Named("worker")
	workerCfg := worker.Config{PollInterval: app.cfg.Worker.PollInterval()}

	factory := func(id int, in <-chan feed.FetchRequest, out chan<- feed.FetchOutcome, stop *atomic.Bool) dispatcher.Worker {
		return worker.New(id, in, out, stop, client, workerCfg, workerLogger)
	}
	d, err := dispatcher.New(dispatcher.Config{
		WorkerCount:     app.cfg.Worker.Count,
		OutputQueueSize: app.cfg.Worker.OutputQueueSize,
		JoinTimeout:     app.cfg.Worker.JoinTimeout(),
	}, app.broker, app.publisher, rss.New(app.logger), factory, app.logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	return d, nil
}

func (a *App) pubsubClient(ctx context.Context, projectID string) (*pubsub.Client, error) {
	if c, ok := a.pubsubClients[projectID]; ok {
		return c, nil
	}
	c, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClients[projectID] = c
	return c, nil
}

// ErrSeedUnsupported is returned by Seed when the broker is not the memory
// driver.
var ErrSeedUnsupported = errors.New("seeding requires the memory broker driver")

// Seed feeds links into the memory broker from a background goroutine so a
// seed list larger than the queue depth drains as the dispatcher consumes
// it. Enqueueing stops when ctx ends or the broker closes.
func (a *App) Seed(ctx context.Context, links []string) error {
	b, ok := a.broker.(*queueMemory.Broker)
	if !ok {
		return ErrSeedUnsupported
	}
	go func() {
		for i, link := range links {
			if err := b.EnqueueJob(ctx, feed.Job{Link: link}); err != nil {
				a.logger.Warn("seeding stopped", zap.Int("seeded", i), zap.Int("total", len(links)), zap.Error(err))
				return
			}
		}
		a.logger.Info("seeded memory broker", zap.Int("jobs", len(links)))
	}()
	return nil
}

// Broker returns the task broker.
func (a *App) Broker() feed.TaskBroker {
	return a.broker
}

// Publisher returns the result publisher.
func (a *App) Publisher() feed.ResultPublisher {
	return a.publisher
}

// Run blocks until SIGINT/SIGTERM, ctx cancellation or a fatal connection
// failure, then shuts everything down. Only the connection failure is
// returned as an error.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	a.ran.Store(true)
	runErr := a.dispatch.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.Close(shutdownCtx)
	return runErr
}

// Close releases everything Run did not. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		// The dispatcher closes broker and publisher when it ran.
		if !a.ran.Load() {
			a.closeInfrastructure()
		}
		for project, c := range a.pubsubClients {
			if err := c.Close(); err != nil {
				a.logger.Warn("pubsub client close failed", zap.String("project", project), zap.Error(err))
			}
		}
		a.closeObservability(ctx)
	})
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on stdout/stderr on some platforms; nothing to do about it.
	_ = a.logger.Sync()
}
