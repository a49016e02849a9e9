// Package worker implements the pull-based synthesis worker loop.
//
// A worker is a pure queue consumer: it claims a job, renders it through its
// [synth.Adapter], pushes the result envelope, and clears its claim. It never
// retries, never touches the cache or pubsub, and holds no coordinator state;
// retry and settlement decisions belong to the gateway process. Workers run
// as separate processes and any number may serve the same queues.
package worker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/pkg/synth"
)

// Store backoff parameters. On loss of the queue store the worker backs off
// exponentially and retries indefinitely.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Config configures a [Worker].
type Config struct {
	// ID identifies this worker in claims and result envelopes.
	ID string

	// Models is the set of model queues this worker serves, polled round
	// robin.
	Models []string

	// BackendName labels synthesis metrics with the adapter backend.
	BackendName string

	// Concurrency is the number of parallel pull loops. Default 1; raising
	// it only helps when the adapter itself can render in parallel.
	Concurrency int

	// SynthesisTimeout bounds one Synthesize call. Zero means no deadline
	// beyond the loop context.
	SynthesisTimeout time.Duration
}

// Option configures a [Worker].
type Option func(*Worker)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// Worker pulls jobs from the queue store and renders them through one
// adapter.
type Worker struct {
	store   queue.Store
	adapter synth.Adapter
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a [Worker]. A nil logger defaults to [slog.Default]; nil
// metrics default to [observe.DefaultMetrics].
func New(store queue.Store, adapter synth.Adapter, cfg Config, opts ...Option) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	w := &Worker{
		store:   store,
		adapter: adapter,
		cfg:     cfg,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

// Run pulls and renders jobs until ctx is cancelled. It always returns
// ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"worker_id", w.cfg.ID,
		"models", w.cfg.Models,
		"backend", w.cfg.BackendName,
		"concurrency", w.cfg.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

// loop is one pull loop: claim, render, push, complete. Store errors back it
// off exponentially; it never gives up before ctx ends.
func (w *Worker) loop(ctx context.Context) error {
	if len(w.cfg.Models) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	backoff := defaultBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, model := range w.cfg.Models {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			job, claimedAt, err := w.store.PopAndClaim(ctx, model, w.cfg.ID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Warn("queue pop failed, backing off",
					"model", model, "backoff", backoff, "err", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, defaultMaxBackoff)
				continue
			}
			backoff = defaultBackoff
			if job == nil {
				// Empty poll window; try the next model.
				continue
			}
			w.handle(ctx, model, job, claimedAt)
		}
	}
}

// handle renders one claimed job and settles the claim. A result is pushed
// for every outcome, success or error; the coordinator decides what happens
// next.
func (w *Worker) handle(ctx context.Context, model string, job *queue.Job, claimedAt time.Time) {
	if !job.EnqueuedAt.IsZero() {
		w.metrics.QueueWait.Record(ctx, claimedAt.Sub(job.EnqueuedAt).Seconds(),
			metric.WithAttributes(observe.Attr("model", model)))
	}

	synthCtx := ctx
	if w.cfg.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, w.cfg.SynthesisTimeout)
		defer cancel()
	}

	t0 := time.Now()
	audio, err := w.adapter.Synthesize(synthCtx, synth.Request{
		Text:          job.Text,
		VoiceID:       job.VoiceID,
		VoiceParams:   job.VoiceParams,
		ContextTokens: job.ContextTokens,
	})
	elapsed := time.Since(t0)

	result := queue.Result{
		JobID:            job.JobID,
		VariantHash:      job.VariantHash,
		UserID:           job.UserID,
		DocumentID:       job.DocumentID,
		BlockIndex:       job.BlockIndex,
		ModelID:          job.ModelID,
		VoiceID:          job.VoiceID,
		WorkerID:         w.cfg.ID,
		ProcessingTimeMS: elapsed.Milliseconds(),
		RetryCount:       job.RetryCount,
	}
	status := "ok"
	if err != nil {
		status = "error"
		result.Error = err.Error()
		result.Fatal = synth.IsFatal(err)
		result.Job = job
		w.log.Warn("synthesis failed",
			"job_id", job.JobID,
			"variant_hash", job.VariantHash,
			"fatal", result.Fatal,
			"err", err)
	} else {
		result.Audio = audio.Data
		result.AudioDurationMS = audio.DurationMS
	}
	w.metrics.RecordSynthesis(ctx, model, w.cfg.BackendName, status, elapsed)

	w.pushResult(ctx, result)
	if err := w.store.Complete(ctx, model, job.JobID); err != nil && ctx.Err() == nil {
		// The claim stays; the visibility scanner will clear it after the
		// duplicate result is settled.
		w.log.Error("complete claim failed", "job_id", job.JobID, "err", err)
	}
}

// pushResult retries until the result lands or ctx ends. Dropping a result
// would strand the job's subscribers until the visibility scanner notices.
func (w *Worker) pushResult(ctx context.Context, result queue.Result) {
	backoff := defaultBackoff
	for {
		err := w.store.PushResult(ctx, result)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("push result failed, backing off",
			"job_id", result.JobID, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, defaultMaxBackoff)
	}
}
