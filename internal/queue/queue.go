// Package queue provides the job queue primitives the coordinator and
// workers share: per-model FIFO queues, a claim set with visibility
// timestamps, a dead-letter queue, and the results stream.
//
// Two backends implement [Store]: [MemStore], an in-process store for tests
// and single-node development, and [RedisStore], the production backend where
// gateway and workers are separate processes. Every mutating operation is
// atomic with respect to concurrent workers; in particular a pop is a single
// step that moves the queue head into the claim set with a timestamp.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted is returned by [Store.Requeue] when the job has already
// consumed its full retry budget. Callers move the job to the dead-letter
// queue instead.
var ErrRetriesExhausted = errors.New("queue: retries exhausted")

// Job is the wire envelope for one synthesis request. The JSON shape is the
// cross-version queue format: changes must be additive (new optional fields
// only, never renames or removals).
type Job struct {
	// JobID is unique per submission, not per content. Two submissions of
	// the same variant hash get distinct job IDs.
	JobID string `json:"job_id"`

	// VariantHash is the content address of the request.
	VariantHash string `json:"variant_hash"`

	DocumentID string `json:"document_id"`
	BlockIndex int    `json:"block_index"`
	UserID     string `json:"user_id"`

	ModelID     string             `json:"model_id"`
	VoiceID     string             `json:"voice_id"`
	VoiceParams map[string]float64 `json:"voice_parameters,omitempty"`

	Text string `json:"text"`

	// ContextTokens is an opaque continuity hint for voice-continuity
	// adapters. It does not participate in the variant hash.
	ContextTokens []byte `json:"context_tokens,omitempty"`

	// RetryCount is the number of attempts already consumed. Incremented by
	// Requeue only; never decreases.
	RetryCount int `json:"retry_count"`

	// EnqueuedAt is when the job (re-)entered the queue. The overflow
	// scanner ages jobs from this timestamp.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Result is the wire envelope a worker (or scanner, on behalf of a dead
// worker) pushes to the results stream. Exactly one of Audio and Error is
// meaningful; Error == "" means success.
type Result struct {
	JobID       string `json:"job_id"`
	VariantHash string `json:"variant_hash"`
	UserID      string `json:"user_id"`
	DocumentID  string `json:"document_id"`
	BlockIndex  int    `json:"block_index"`
	ModelID     string `json:"model_id"`
	VoiceID     string `json:"voice_id"`

	Audio           []byte `json:"audio_bytes,omitempty"`
	AudioDurationMS int64  `json:"audio_duration_ms,omitempty"`

	WorkerID         string `json:"worker_id"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`

	// RetryCount echoes the attempt count of the job that produced this
	// result.
	RetryCount int `json:"retry_count"`

	// Error describes the failure when synthesis did not produce audio.
	Error string `json:"error,omitempty"`

	// Fatal marks the error as non-retriable. Ignored when Error is empty.
	Fatal bool `json:"fatal,omitempty"`

	// Job carries the full job envelope on error results so the consumer
	// can requeue without re-reading the store. Omitted on success.
	Job *Job `json:"job,omitempty"`
}

// Failed reports whether the result carries an error instead of audio.
func (r *Result) Failed() bool { return r.Error != "" }

// DeadLetter is a terminal queue entry: the original job plus diagnostic
// metadata. Dead letters are inspected manually and never retried
// automatically.
type DeadLetter struct {
	Job        Job       `json:"job"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

// Store is the queue backend contract shared by the gateway, scanners, and
// workers. All methods are safe for concurrent use.
type Store interface {
	// Push appends job to the tail of the model's queue.
	Push(ctx context.Context, modelID string, job Job) error

	// PopAndClaim atomically removes the queue head and records a claim
	// with the current timestamp, returning the job and its claim time.
	// When the queue stays empty for the store's poll window it returns
	// (nil, zero, nil); callers loop.
	PopAndClaim(ctx context.Context, modelID, workerID string) (*Job, time.Time, error)

	// Complete removes jobID's claim and envelope after a result was pushed.
	Complete(ctx context.Context, modelID, jobID string) error

	// Requeue increments the job's retry count, clears any claim it holds,
	// and re-pushes it to the queue tail with a fresh enqueue timestamp.
	// Returns ErrRetriesExhausted when the budget is already spent.
	Requeue(ctx context.Context, modelID string, job Job) error

	// DeadLetter moves the job to the model's dead-letter queue with a
	// reason, clearing any claim. It never retries.
	DeadLetter(ctx context.Context, modelID string, job Job, reason string) error

	// DeadLetters returns the model's dead-letter entries, oldest first.
	DeadLetters(ctx context.Context, modelID string) ([]DeadLetter, error)

	// ScanStale returns claimed jobs whose claim timestamp is older than
	// now minus timeout.
	ScanStale(ctx context.Context, modelID string, timeout time.Duration) ([]Job, error)

	// ScanAged returns queued (unclaimed) jobs older than threshold. The
	// jobs stay in the queue; offload requires a ClaimAged call.
	ScanAged(ctx context.Context, modelID string, threshold time.Duration) ([]Job, error)

	// ClaimAged atomically moves a still-queued job into the claim set on
	// behalf of owner. It returns false when a worker (or another scanner
	// cycle) claimed the job first.
	ClaimAged(ctx context.Context, modelID, jobID, owner string) (bool, error)

	// Depth returns the number of queued (unclaimed) jobs for the model.
	Depth(ctx context.Context, modelID string) (int64, error)

	// PushResult appends r to the results stream.
	PushResult(ctx context.Context, r Result) error

	// PopResult removes and returns the oldest result, blocking up to the
	// store's poll window. Returns (nil, nil) when the stream stays empty.
	PopResult(ctx context.Context) (*Result, error)
}
