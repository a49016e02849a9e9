package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known synthesis backend names. [Validate] warns
// about unrecognised names instead of failing, since third-party backends
// register themselves at startup.
var ValidBackendNames = []string{"coqui", "elevenlabs", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.AudioURLBase == "" {
		cfg.Server.AudioURLBase = "/audio"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "chorus"
	}
	if cfg.Store.ResultsStreamKey == "" {
		cfg.Store.ResultsStreamKey = cfg.Store.KeyPrefix + ":results"
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = Duration(60 * time.Second)
	}
	if cfg.Queue.VisibilityInterval == 0 {
		cfg.Queue.VisibilityInterval = cfg.Queue.VisibilityTimeout / 4
	}
	if cfg.Queue.OverflowAge == 0 {
		cfg.Queue.OverflowAge = Duration(10 * time.Second)
	}
	if cfg.Queue.OverflowScanInterval == 0 {
		cfg.Queue.OverflowScanInterval = Duration(5 * time.Second)
	}
	if cfg.Queue.OverflowPollInterval == 0 {
		cfg.Queue.OverflowPollInterval = Duration(2 * time.Second)
	}
	if cfg.Cache.MaxSizeBytes == 0 {
		cfg.Cache.MaxSizeBytes = 512 << 20
	}
	if cfg.Serverless.MaxRemote == 0 {
		// Keep the default below the visibility timeout so enabling overflow
		// without tuning both knobs passes validation.
		cfg.Serverless.MaxRemote = cfg.Queue.VisibilityTimeout * 3 / 4
	}
	if cfg.Serverless.BreakerMaxFailures == 0 {
		cfg.Serverless.BreakerMaxFailures = 5
	}
	if cfg.Serverless.BreakerResetTimeout == 0 {
		cfg.Serverless.BreakerResetTimeout = Duration(30 * time.Second)
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.SynthesisTimeout == 0 {
		// Below the visibility timeout, same reasoning as serverless
		// max_remote: a synthesis that outlives the claim gets requeued
		// while the worker is still rendering it.
		cfg.Worker.SynthesisTimeout = cfg.Queue.VisibilityTimeout * 3 / 4
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, redis", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StoreRedis && cfg.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required when store.backend is redis"))
	}

	// Queue
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries %d must not be negative", cfg.Queue.MaxRetries))
	}
	if cfg.Queue.VisibilityTimeout < 0 || cfg.Queue.OverflowAge < 0 {
		errs = append(errs, errors.New("queue durations must not be negative"))
	}
	if len(cfg.Queue.Models) == 0 && len(cfg.Worker.Models) == 0 {
		slog.Warn("no models configured; the gateway will reject every synthesis request")
	}

	// Serverless
	if cfg.Serverless.Enabled() {
		if cfg.Serverless.MaxRemote.Std() >= cfg.Queue.VisibilityTimeout.Std() {
			// An outstanding submission keeps a claim alive without a
			// heartbeat; the visibility scanner must not rescue it while
			// the remote job is still running.
			errs = append(errs, fmt.Errorf(
				"serverless.max_remote (%s) must be below queue.visibility_timeout (%s)",
				cfg.Serverless.MaxRemote.Std(), cfg.Queue.VisibilityTimeout.Std()))
		}
	}

	// Worker
	if cfg.Worker.SynthesisTimeout.Std() >= cfg.Queue.VisibilityTimeout.Std() {
		// A claim has no heartbeat. A synthesis still running past the
		// visibility timeout is requeued as presumed dead, so every slow
		// block would be rendered twice.
		errs = append(errs, fmt.Errorf(
			"worker.synthesis_timeout (%s) must be below queue.visibility_timeout (%s)",
			cfg.Worker.SynthesisTimeout.Std(), cfg.Queue.VisibilityTimeout.Std()))
	}
	validateBackendName(cfg.Worker.Backend.Name)
	if cfg.Worker.Fallback != nil {
		validateBackendName(cfg.Worker.Fallback.Name)
		if cfg.Worker.Fallback.Name == "" {
			errs = append(errs, errors.New("worker.fallback.name is required when worker.fallback is set"))
		}
	}
	if cfg.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency %d must be at least 1", cfg.Worker.Concurrency))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// [ValidBackendNames].
func validateBackendName(name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party backend",
		"name", name,
		"known", ValidBackendNames,
	)
}
