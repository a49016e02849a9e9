// Package scanner hosts the two background sweeps over the job queue: the
// visibility scanner, which rescues jobs whose worker died mid-claim, and the
// overflow scanner, which offloads jobs the worker pool is too slow for to a
// serverless endpoint.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/queue"
)

// VisibilityConfig configures a [Visibility] scanner.
type VisibilityConfig struct {
	// Models is the set of model queues to sweep.
	Models []string

	// Timeout is the claim age past which a worker is presumed dead.
	// Default: 60s.
	Timeout time.Duration

	// Interval is the sweep period. Default: Timeout / 4.
	Interval time.Duration
}

// Visibility requeues jobs whose claim outlived the visibility timeout. A
// worker that crashed after claiming never pushes a result, so without this
// sweep the job would hang forever and its subscribers with it.
type Visibility struct {
	store    queue.Store
	models   []string
	timeout  time.Duration
	interval time.Duration
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewVisibility creates a [Visibility] scanner. A nil logger defaults to
// [slog.Default]; nil metrics default to [observe.DefaultMetrics].
func NewVisibility(store queue.Store, cfg VisibilityConfig, metrics *observe.Metrics, log *slog.Logger) *Visibility {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Timeout / 4
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Visibility{
		store:    store,
		models:   cfg.Models,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		metrics:  metrics,
		log:      log,
	}
}

// Run sweeps until ctx is cancelled. It always returns ctx.Err().
func (v *Visibility) Run(ctx context.Context) error {
	v.log.Info("visibility scanner started",
		"timeout", v.timeout, "interval", v.interval)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			v.sweep(ctx)
		}
	}
}

// sweep runs one pass over every model queue.
func (v *Visibility) sweep(ctx context.Context) {
	for _, model := range v.models {
		stale, err := v.store.ScanStale(ctx, model, v.timeout)
		if err != nil {
			v.log.Error("scan stale claims", "model", model, "err", err)
			continue
		}
		for _, job := range stale {
			v.rescue(ctx, model, job)
		}
	}
}

func (v *Visibility) rescue(ctx context.Context, model string, job queue.Job) {
	err := v.store.Requeue(ctx, model, job)
	switch {
	case err == nil:
		v.metrics.JobsRetried.Add(ctx, 1)
		v.log.Warn("stale claim requeued",
			"job_id", job.JobID,
			"variant_hash", job.VariantHash,
			"model", model,
			"retry_count", job.RetryCount+1)
	case errors.Is(err, queue.ErrRetriesExhausted):
		// Hand the terminal decision to the result consumer so dead-letter,
		// subscriber notification, and registry cleanup stay on one path.
		res := queue.Result{
			JobID:       job.JobID,
			VariantHash: job.VariantHash,
			UserID:      job.UserID,
			DocumentID:  job.DocumentID,
			BlockIndex:  job.BlockIndex,
			ModelID:     job.ModelID,
			VoiceID:     job.VoiceID,
			RetryCount:  job.RetryCount,
			Error:       "visibility timeout: worker presumed dead",
			Job:         &job,
		}
		if err := v.store.PushResult(ctx, res); err != nil {
			v.log.Error("push timeout result", "job_id", job.JobID, "err", err)
		}
	default:
		v.log.Error("requeue stale claim", "job_id", job.JobID, "err", err)
	}
}
