// Command chorus-worker is a standalone synthesis worker. It pulls jobs from
// the shared Redis queue, renders them through its configured backend, and
// pushes result envelopes back for the gateway's consumer to settle. Any
// number of workers may serve the same queues.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/readwell/chorus/internal/config"
	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/internal/resilience"
	"github.com/readwell/chorus/internal/worker"
	"github.com/readwell/chorus/pkg/synth"
	"github.com/readwell/chorus/pkg/synth/coqui"
	"github.com/readwell/chorus/pkg/synth/elevenlabs"
	"github.com/readwell/chorus/pkg/synth/mock"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("chorus-worker", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chorus-worker: %v\n", err)
		return 1
	}
	if cfg.Store.Backend != config.StoreRedis {
		// The memory store is process-local; a standalone worker would pull
		// from an always-empty queue.
		fmt.Fprintln(os.Stderr, "chorus-worker: store.backend must be \"redis\" for a standalone worker")
		return 1
	}
	if len(cfg.Worker.Models) == 0 {
		fmt.Fprintln(os.Stderr, "chorus-worker: worker.models must name at least one queue")
		return 1
	}
	if cfg.Worker.Backend.Name == "" {
		fmt.Fprintln(os.Stderr, "chorus-worker: worker.backend.name is required")
		return 1
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel).With("worker_id", workerID)
	slog.SetDefault(logger)

	slog.Info("chorus-worker starting",
		"version", version,
		"config", *configPath,
		"models", cfg.Worker.Models,
		"backend", cfg.Worker.Backend.Name,
		"concurrency", cfg.Worker.Concurrency,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "chorus-worker",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Synthesis backend ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	adapter, backendName, err := buildAdapter(cfg, reg)
	if err != nil {
		slog.Error("failed to build synthesis backend", "err", err)
		return 1
	}

	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := adapter.Health(healthCtx); err != nil {
		// Not fatal: the backend may still be coming up, and every synthesis
		// failure is retried through the queue anyway.
		slog.Warn("backend health check failed", "backend", backendName, "err", err)
	}
	cancel()

	// ── Queue store ───────────────────────────────────────────────────────────
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	defer client.Close()

	store := queue.NewRedisStore(client, queue.RedisConfig{
		KeyPrefix:  cfg.Store.KeyPrefix,
		ResultsKey: cfg.Store.ResultsStreamKey,
		MaxRetries: cfg.Queue.MaxRetries,
	})

	// ── Run ───────────────────────────────────────────────────────────────────
	w := worker.New(store, adapter, worker.Config{
		ID:               workerID,
		Models:           cfg.Worker.Models,
		BackendName:      backendName,
		Concurrency:      cfg.Worker.Concurrency,
		SynthesisTimeout: cfg.Worker.SynthesisTimeout.Std(),
	})

	slog.Info("worker ready — press Ctrl+C to shut down")

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the synthesis backends that ship with Chorus
// into reg. Each factory receives a config.BackendEntry and constructs the
// adapter from the real implementation packages.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("coqui", func(entry config.BackendEntry) (synth.Adapter, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.Register("elevenlabs", func(entry config.BackendEntry) (synth.Adapter, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.Register("mock", func(entry config.BackendEntry) (synth.Adapter, error) {
		return &mock.Adapter{}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered backend", "name", name)
	}
}

// buildAdapter instantiates the primary backend and, when configured, chains
// the fallback behind it with per-backend circuit breakers.
func buildAdapter(cfg *config.Config, reg *config.Registry) (synth.Adapter, string, error) {
	primary, err := reg.Create(cfg.Worker.Backend)
	if err != nil {
		return nil, "", fmt.Errorf("create backend %q: %w", cfg.Worker.Backend.Name, err)
	}
	if cfg.Worker.Fallback == nil {
		return primary, cfg.Worker.Backend.Name, nil
	}

	secondary, err := reg.Create(*cfg.Worker.Fallback)
	if err != nil {
		return nil, "", fmt.Errorf("create fallback backend %q: %w", cfg.Worker.Fallback.Name, err)
	}

	chain := resilience.NewAdapterFallback(primary, cfg.Worker.Backend.Name, resilience.FallbackConfig{})
	chain.AddFallback(cfg.Worker.Fallback.Name, secondary)
	slog.Info("fallback backend configured",
		"primary", cfg.Worker.Backend.Name,
		"fallback", cfg.Worker.Fallback.Name,
	)
	// The metrics label names the whole chain after the primary.
	return chain, cfg.Worker.Backend.Name, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a backend Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
