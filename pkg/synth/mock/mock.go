// Package mock provides a configurable in-memory synth.Adapter for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/readwell/chorus/pkg/synth"
)

// Compile-time assertion that Adapter satisfies synth.Adapter.
var _ synth.Adapter = (*Adapter)(nil)

// Adapter is a test double for synth.Adapter. The zero value synthesises
// every request into a fixed payload derived from the text. All fields must
// be set before first use; they are not guarded for mid-test mutation.
type Adapter struct {
	// SynthesizeFunc, when non-nil, handles Synthesize calls entirely.
	SynthesizeFunc func(ctx context.Context, req synth.Request) (*synth.Audio, error)

	// Err, when non-nil, is returned from every Synthesize call. Wrap with
	// synth.Fatal to simulate non-retriable failures.
	Err error

	// Delay is slept (context-aware) before each synthesis completes.
	Delay time.Duration

	// HealthErr is returned from Health.
	HealthErr error

	mu    sync.Mutex
	calls []synth.Request
}

// Synthesize records the request and returns a deterministic payload, the
// configured error, or delegates to SynthesizeFunc.
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) (*synth.Audio, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()

	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.SynthesizeFunc != nil {
		return a.SynthesizeFunc(ctx, req)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &synth.Audio{
		Data:       []byte("pcm:" + req.VoiceID + ":" + req.Text),
		DurationMS: int64(len(req.Text)) * 50,
	}, nil
}

// Health returns HealthErr.
func (a *Adapter) Health(context.Context) error { return a.HealthErr }

// Calls returns a copy of all recorded requests in call order.
func (a *Adapter) Calls() []synth.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]synth.Request, len(a.calls))
	copy(out, a.calls)
	return out
}
