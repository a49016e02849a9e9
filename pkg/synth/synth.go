// Package synth defines the Adapter interface implemented by synthesis
// backends.
//
// An adapter wraps one speech synthesis engine (a local Coqui server, a GPU
// model process, a cloud API) and presents a uniform text-to-audio operation.
// The worker loop is generic over adapters: it pulls jobs from the queue,
// calls Synthesize, and pushes the result back. Adapters encapsulate all
// model-specific state such as loaded weights and caches, and load models
// lazily on first use.
//
// Implementations must be safe for concurrent use, although the worker loop
// issues one Synthesize call at a time per process. Parallelism on a machine
// comes from running multiple worker processes.
package synth

import (
	"context"
	"errors"
	"fmt"
)

// ErrFatal marks a synthesis failure that retrying cannot fix: malformed
// input, an incompatible voice, an unsupported parameter. Adapters wrap such
// failures with [Fatal]; the coordinator moves the job to the dead-letter
// queue instead of requeueing it.
var ErrFatal = errors.New("fatal synthesis error")

// Fatal wraps err so that [IsFatal] reports true for it. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err is a non-retriable synthesis failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Request carries everything an adapter needs to render one text block.
type Request struct {
	// Text is the normalized block text to synthesise.
	Text string

	// VoiceID is the adapter-specific voice identifier.
	VoiceID string

	// VoiceParams holds numeric voice tuning values (speed, pitch, ...).
	// Adapters ignore keys they do not understand.
	VoiceParams map[string]float64

	// ContextTokens is an opaque continuity hint for adapters that condition
	// synthesis on neighbouring blocks. May be nil; adapters without
	// continuity support ignore it.
	ContextTokens []byte
}

// Audio is the rendered output of one synthesis request.
type Audio struct {
	// Data is the encoded audio artifact. The coordinator treats it as an
	// opaque byte blob.
	Data []byte

	// DurationMS is the playback duration in milliseconds.
	DurationMS int64
}

// Adapter is the per-worker synthesis capability.
type Adapter interface {
	// Synthesize renders req.Text to audio. It blocks until synthesis
	// completes or ctx is cancelled. Non-retriable failures are wrapped with
	// [Fatal]; every other error is treated as transient and retried by the
	// coordinator.
	Synthesize(ctx context.Context, req Request) (*Audio, error)

	// Health probes the backend. It returns nil when the adapter can accept
	// work and a descriptive error otherwise.
	Health(ctx context.Context) error
}
