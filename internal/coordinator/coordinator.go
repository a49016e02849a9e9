// Package coordinator wires the gateway process together: shared state
// backends, the result consumer, both scanners, and the HTTP server carrying
// the WebSocket dispatcher.
//
// New creates and connects all subsystems from configuration, Run executes
// them until the context ends, and Shutdown tears everything down in order.
// For testing, inject in-memory backends via functional options; when an
// option is not provided, New builds the real backend from the config.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/readwell/chorus/internal/archive"
	"github.com/readwell/chorus/internal/cache"
	"github.com/readwell/chorus/internal/config"
	"github.com/readwell/chorus/internal/consumer"
	"github.com/readwell/chorus/internal/gateway"
	"github.com/readwell/chorus/internal/health"
	"github.com/readwell/chorus/internal/inflight"
	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/pubsub"
	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/internal/resilience"
	"github.com/readwell/chorus/internal/scanner"
	"github.com/readwell/chorus/internal/serverless"
)

// shutdownGrace bounds how long the HTTP server may take to drain
// connections once the run context ends.
const shutdownGrace = 5 * time.Second

// Coordinator owns the gateway process lifecycle.
type Coordinator struct {
	cfg *config.Config

	store   queue.Store
	cache   cache.Store
	reg     inflight.Registry
	bus     pubsub.Bus
	arch    archive.Store
	metrics *observe.Metrics
	log     *slog.Logger

	consumer   *consumer.Consumer
	visibility *scanner.Visibility
	overflow   *scanner.Overflow
	server     *http.Server

	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Coordinator)

// WithStore injects a queue store instead of building one from config.
func WithStore(s queue.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithCache injects an audio cache instead of building one from config.
func WithCache(s cache.Store) Option {
	return func(c *Coordinator) { c.cache = s }
}

// WithRegistry injects an in-flight registry.
func WithRegistry(r inflight.Registry) Option {
	return func(c *Coordinator) { c.reg = r }
}

// WithBus injects a pubsub bus.
func WithBus(b pubsub.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithArchive injects an artifact archive.
func WithArchive(a archive.Store) Option {
	return func(c *Coordinator) { c.arch = a }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a Coordinator by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	if err := c.initBackends(); err != nil {
		return nil, fmt.Errorf("coordinator: init backends: %w", err)
	}
	if err := c.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("coordinator: init archive: %w", err)
	}
	c.initConsumer()
	c.initScanners()
	c.initServer()

	return c, nil
}

// initBackends builds the queue store, cache, registry, and pubsub bus for
// the configured backend unless they were injected.
func (c *Coordinator) initBackends() error {
	if c.store != nil && c.cache != nil && c.reg != nil && c.bus != nil {
		return nil
	}

	switch c.cfg.Store.Backend {
	case config.StoreMemory:
		if c.store == nil {
			c.store = queue.NewMemStore(c.cfg.Queue.MaxRetries)
		}
		if c.cache == nil {
			c.cache = cache.NewMemStore(c.cfg.Cache.MaxSizeBytes)
		}
		if c.reg == nil {
			c.reg = inflight.NewMemRegistry()
		}
		if c.bus == nil {
			c.bus = pubsub.NewMemBus()
		}

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.cfg.Store.RedisAddr,
			Password: c.cfg.Store.RedisPassword,
			DB:       c.cfg.Store.RedisDB,
		})
		c.closers = append(c.closers, client.Close)
		c.checkers = append(c.checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})

		prefix := c.cfg.Store.KeyPrefix
		if c.store == nil {
			c.store = queue.NewRedisStore(client, queue.RedisConfig{
				KeyPrefix:  prefix,
				ResultsKey: c.cfg.Store.ResultsStreamKey,
				MaxRetries: c.cfg.Queue.MaxRetries,
			})
		}
		if c.cache == nil {
			c.cache = cache.NewRedisStore(client, prefix, c.cfg.Cache.MaxSizeBytes)
		}
		if c.reg == nil {
			c.reg = inflight.NewRedisRegistry(client, prefix)
		}
		if c.bus == nil {
			c.bus = pubsub.NewRedisBus(client, c.log)
		}

	default:
		return fmt.Errorf("unsupported store backend %q", c.cfg.Store.Backend)
	}
	return nil
}

// initArchive connects the optional PostgreSQL artifact archive and runs its
// migration.
func (c *Coordinator) initArchive(ctx context.Context) error {
	if c.arch != nil || !c.cfg.Archive.Enabled() {
		return nil
	}

	pool, err := pgxpool.New(ctx, c.cfg.Archive.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	c.closers = append(c.closers, func() error {
		pool.Close()
		return nil
	})
	c.checkers = append(c.checkers, health.Checker{Name: "archive", Check: pool.Ping})

	store := archive.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	c.arch = store
	return nil
}

func (c *Coordinator) initConsumer() {
	opts := []consumer.Option{
		consumer.WithMetrics(c.metrics),
		consumer.WithLogger(c.log),
		consumer.WithAudioURLBase(c.cfg.Server.AudioURLBase),
	}
	if c.arch != nil {
		opts = append(opts, consumer.WithArchive(c.arch))
	}
	c.consumer = consumer.New(c.store, c.cache, c.reg, c.bus, opts...)
}

func (c *Coordinator) initScanners() {
	c.visibility = scanner.NewVisibility(c.store, scanner.VisibilityConfig{
		Models:   c.cfg.Queue.Models,
		Timeout:  c.cfg.Queue.VisibilityTimeout.Std(),
		Interval: c.cfg.Queue.VisibilityInterval.Std(),
	}, c.metrics, c.log)

	if !c.cfg.Serverless.Enabled() {
		return
	}
	client, err := serverless.New(c.cfg.Serverless.URL, serverless.WithAPIKey(c.cfg.Serverless.APIKey))
	if err != nil {
		// URL presence is validated at config load; this cannot happen.
		c.log.Error("serverless client init failed, overflow disabled", "err", err)
		return
	}
	c.overflow = scanner.NewOverflow(c.store, client, scanner.OverflowConfig{
		Models:       c.cfg.Queue.Models,
		AgeThreshold: c.cfg.Queue.OverflowAge.Std(),
		ScanInterval: c.cfg.Queue.OverflowScanInterval.Std(),
		PollInterval: c.cfg.Queue.OverflowPollInterval.Std(),
		MaxRemote:    c.cfg.Serverless.MaxRemote.Std(),
		Breaker: resilience.BreakerConfig{
			Name:         "serverless",
			MaxFailures:  c.cfg.Serverless.BreakerMaxFailures,
			ResetTimeout: c.cfg.Serverless.BreakerResetTimeout.Std(),
		},
	}, c.metrics, c.log)
}

// initServer assembles the HTTP mux: WebSocket dispatcher, audio and DLQ
// endpoints, health probes, and the Prometheus scrape endpoint.
func (c *Coordinator) initServer() {
	gwOpts := []gateway.Option{
		gateway.WithMetrics(c.metrics),
		gateway.WithLogger(c.log),
		gateway.WithAudioURLBase(c.cfg.Server.AudioURLBase),
	}
	if c.arch != nil {
		gwOpts = append(gwOpts, gateway.WithArchive(c.arch))
	}
	gw := gateway.New(c.store, c.cache, c.reg, c.bus, c.cfg.Queue.Models, gwOpts...)

	mux := http.NewServeMux()
	gw.Register(mux)
	health.New(c.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	c.server = &http.Server{
		Addr:    c.cfg.Server.ListenAddr,
		Handler: observe.Middleware(c.metrics)(mux),
	}
}

// Run executes all background tasks and the HTTP server until ctx is
// cancelled, then drains and returns. A crash of any one subsystem stops the
// whole process; systemd or the orchestrator restarts it with clean state.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(c.consumer.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(c.visibility.Run(ctx)) })
	if c.overflow != nil {
		g.Go(func() error { return ignoreCancel(c.overflow.Run(ctx)) })
	}

	g.Go(func() error {
		var err error
		if tls := c.cfg.Server.TLS; tls != nil {
			err = c.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = c.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	})

	c.log.Info("coordinator running",
		"listen_addr", c.cfg.Server.ListenAddr,
		"models", c.cfg.Queue.Models,
		"store", string(c.cfg.Store.Backend),
		"overflow", c.overflow != nil,
		"archive", c.arch != nil)

	return g.Wait()
}

// Shutdown closes backend connections in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned. In-flight jobs are safe to
// abandon; claims time out and the next process takes over.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var shutdownErr error
	c.stopOnce.Do(func() {
		c.log.Info("shutting down", "closers", len(c.closers))
		for i, closer := range c.closers {
			select {
			case <-ctx.Done():
				c.log.Warn("shutdown deadline exceeded", "remaining", len(c.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				c.log.Warn("closer error", "index", i, "err", err)
			}
		}
		c.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ignoreCancel maps context cancellation to a clean exit so an orderly
// shutdown does not surface as an error from Run.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
