package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/readwell/chorus/pkg/synth"
)

// ErrAllFailed is returned when every backend in an [AdapterFallback] fails
// or has an open circuit breaker.
var ErrAllFailed = errors.New("all synthesis backends failed")

// FallbackConfig configures the per-backend circuit breaker created for each
// entry in an [AdapterFallback].
type FallbackConfig struct {
	CircuitBreaker BreakerConfig
}

type fallbackEntry struct {
	name    string
	adapter synth.Adapter
	breaker *CircuitBreaker
}

// AdapterFallback implements [synth.Adapter] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker, so a
// dead primary is bypassed without probing it on every request.
//
// Fatal errors are input problems, not backend health problems: they neither
// trip the breaker nor trigger failover, since every backend would reject the
// same request.
//
// AdapterFallback is safe for concurrent use once construction is complete.
type AdapterFallback struct {
	entries []fallbackEntry
	cfg     FallbackConfig
}

// Compile-time interface assertion.
var _ synth.Adapter = (*AdapterFallback)(nil)

// NewAdapterFallback creates an [AdapterFallback] with primary as the
// preferred backend. Additional backends are registered via
// [AdapterFallback.AddFallback].
func NewAdapterFallback(primary synth.Adapter, primaryName string, cfg FallbackConfig) *AdapterFallback {
	f := &AdapterFallback{cfg: cfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional backend. Fallbacks are tried in the
// order they are added, after the primary.
func (f *AdapterFallback) AddFallback(name string, adapter synth.Adapter) {
	f.add(name, adapter)
}

func (f *AdapterFallback) add(name string, adapter synth.Adapter) {
	cbCfg := f.cfg.CircuitBreaker
	cbCfg.Name = name
	f.entries = append(f.entries, fallbackEntry{
		name:    name,
		adapter: adapter,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Synthesize tries each backend in order until one succeeds. Backends with an
// open breaker are skipped. Returns [ErrAllFailed] wrapped with the last
// error if every backend fails; returns a fatal error as-is without failover.
func (f *AdapterFallback) Synthesize(ctx context.Context, req synth.Request) (*synth.Audio, error) {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]
		var (
			audio *synth.Audio
			fatal error
		)
		err := entry.breaker.Execute(func() error {
			a, innerErr := entry.adapter.Synthesize(ctx, req)
			if synth.IsFatal(innerErr) {
				// Input rejection. Do not count it against backend health.
				fatal = innerErr
				return nil
			}
			audio = a
			return innerErr
		})
		if fatal != nil {
			return nil, fatal
		}
		if err == nil {
			return audio, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping synthesis backend, circuit open",
				"backend", entry.name)
		} else {
			slog.Warn("synthesis backend failed, trying next",
				"backend", entry.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Health reports healthy when at least one backend is healthy.
func (f *AdapterFallback) Health(ctx context.Context) error {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]
		if err := entry.adapter.Health(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
