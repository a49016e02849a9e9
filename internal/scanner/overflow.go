package scanner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/internal/resilience"
	"github.com/readwell/chorus/internal/serverless"
)

// Submitter is the slice of the serverless client the overflow scanner uses.
type Submitter interface {
	Submit(ctx context.Context, job *queue.Job) (string, error)
	Poll(ctx context.Context, submissionID string) (*serverless.PollResult, error)
}

// OverflowConfig configures an [Overflow] scanner.
type OverflowConfig struct {
	// Models is the set of model queues to sweep.
	Models []string

	// Owner identifies this scanner in the claim set and as WorkerID on
	// results it produces. Default: "overflow-scanner".
	Owner string

	// AgeThreshold is the queue age past which a job is offloaded.
	// Default: 10s.
	AgeThreshold time.Duration

	// ScanInterval is the sweep period. Default: 5s.
	ScanInterval time.Duration

	// PollInterval is how often outstanding submissions are polled.
	// Default: 2s.
	PollInterval time.Duration

	// MaxRemote bounds how long a submission may stay outstanding. Past it
	// the scanner abandons the submission and leaves the stale claim for the
	// visibility scanner to rescue. Must stay below the visibility timeout
	// plus the serverless endpoint's own deadline. Default: 5m.
	MaxRemote time.Duration

	// Breaker configures the circuit breaker on the submission path. A
	// breaker-rejected submit returns the job to the queue without spending
	// a retry, since the request never left the process. An endpoint error
	// counts as a failed attempt like any other serverless error.
	Breaker resilience.BreakerConfig
}

// outstanding is one job currently running on the serverless endpoint.
type outstanding struct {
	job          queue.Job
	submissionID string
	submittedAt  time.Time
}

// Overflow offloads aged jobs to the serverless endpoint. It claims the job
// (so pooled workers skip it), submits it, polls for completion, and pushes
// the outcome to the results stream exactly as a worker would.
//
// Overflow is single-goroutine: Run owns the outstanding map and no method is
// safe for concurrent use.
type Overflow struct {
	store   queue.Store
	client  Submitter
	breaker *resilience.CircuitBreaker
	cfg     OverflowConfig
	metrics *observe.Metrics
	log     *slog.Logger

	jobs map[string]*outstanding // keyed by job ID
}

// NewOverflow creates an [Overflow] scanner. A nil logger defaults to
// [slog.Default]; nil metrics default to [observe.DefaultMetrics].
func NewOverflow(store queue.Store, client Submitter, cfg OverflowConfig, metrics *observe.Metrics, log *slog.Logger) *Overflow {
	if cfg.Owner == "" {
		cfg.Owner = "overflow-scanner"
	}
	if cfg.AgeThreshold <= 0 {
		cfg.AgeThreshold = 10 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxRemote <= 0 {
		cfg.MaxRemote = 5 * time.Minute
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "serverless"
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Overflow{
		store:   store,
		client:  client,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		jobs:    make(map[string]*outstanding),
	}
}

// Run sweeps and polls until ctx is cancelled. It always returns ctx.Err().
func (o *Overflow) Run(ctx context.Context) error {
	o.log.Info("overflow scanner started",
		"age_threshold", o.cfg.AgeThreshold,
		"scan_interval", o.cfg.ScanInterval)
	scan := time.NewTicker(o.cfg.ScanInterval)
	defer scan.Stop()
	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scan.C:
			o.sweep(ctx)
		case <-poll.C:
			o.pollOutstanding(ctx)
		}
	}
}

// sweep offloads every sufficiently aged job it can claim first.
func (o *Overflow) sweep(ctx context.Context) {
	for _, model := range o.cfg.Models {
		aged, err := o.store.ScanAged(ctx, model, o.cfg.AgeThreshold)
		if err != nil {
			o.log.Error("scan aged jobs", "model", model, "err", err)
			continue
		}
		for _, job := range aged {
			if _, dup := o.jobs[job.JobID]; dup {
				continue
			}
			claimed, err := o.store.ClaimAged(ctx, model, job.JobID, o.cfg.Owner)
			if err != nil {
				o.log.Error("claim aged job", "job_id", job.JobID, "err", err)
				continue
			}
			if !claimed {
				// A pooled worker got there first.
				continue
			}
			o.submit(ctx, model, job)
		}
	}
}

func (o *Overflow) submit(ctx context.Context, model string, job queue.Job) {
	var submissionID string
	err := o.breaker.Execute(func() error {
		var submitErr error
		submissionID, submitErr = o.client.Submit(ctx, &job)
		return submitErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		o.metrics.RecordServerlessSubmission(ctx, "rejected")
		o.log.Warn("serverless circuit open, returning job to queue",
			"job_id", job.JobID)
		o.release(ctx, model, job)
		return
	}
	if err != nil {
		// The request reached the endpoint; this spends an attempt like any
		// other serverless error. The consumer decides requeue versus DLQ.
		o.metrics.RecordServerlessSubmission(ctx, "error")
		o.log.Warn("serverless submit failed", "job_id", job.JobID, "err", err)
		o.finish(ctx, &outstanding{job: job, submittedAt: time.Now()}, &serverless.PollResult{
			Status: serverless.StatusFailed,
			Error:  "serverless: submit: " + err.Error(),
		})
		return
	}

	o.metrics.RecordServerlessSubmission(ctx, "ok")
	o.jobs[job.JobID] = &outstanding{
		job:          job,
		submissionID: submissionID,
		submittedAt:  time.Now(),
	}
	o.log.Info("job offloaded to serverless",
		"job_id", job.JobID,
		"variant_hash", job.VariantHash,
		"submission_id", submissionID)
}

// release undoes a claim without spending a retry: the job goes back to the
// queue with its envelope, retry count, and enqueue time untouched, so it
// ages straight past the threshold again on the next sweep.
func (o *Overflow) release(ctx context.Context, model string, job queue.Job) {
	if err := o.store.Complete(ctx, model, job.JobID); err != nil {
		o.log.Error("release claim", "job_id", job.JobID, "err", err)
		return
	}
	if err := o.store.Push(ctx, model, job); err != nil {
		o.log.Error("re-push released job", "job_id", job.JobID, "err", err)
	}
}

// pollOutstanding checks every outstanding submission once. Slow polls only
// delay other submissions in the same cycle, never the sweep of new jobs.
func (o *Overflow) pollOutstanding(ctx context.Context) {
	for id, out := range o.jobs {
		if time.Since(out.submittedAt) > o.cfg.MaxRemote {
			// Abandon: the claim goes stale and the visibility scanner
			// takes over.
			o.log.Warn("abandoning overdue serverless submission",
				"job_id", id, "submission_id", out.submissionID)
			delete(o.jobs, id)
			continue
		}

		res, err := o.client.Poll(ctx, out.submissionID)
		if err != nil {
			if errors.Is(err, serverless.ErrNotFound) {
				o.finish(ctx, out, &serverless.PollResult{
					Status: serverless.StatusFailed,
					Error:  "serverless: submission expired before completion",
				})
				delete(o.jobs, id)
			} else {
				o.log.Warn("poll serverless submission",
					"submission_id", out.submissionID, "err", err)
			}
			continue
		}
		if !res.Done() {
			continue
		}
		o.finish(ctx, out, res)
		delete(o.jobs, id)
	}
}

// finish converts a terminal poll result into a results-stream entry, exactly
// the envelope a pooled worker would push.
func (o *Overflow) finish(ctx context.Context, out *outstanding, res *serverless.PollResult) {
	job := out.job
	result := queue.Result{
		JobID:            job.JobID,
		VariantHash:      job.VariantHash,
		UserID:           job.UserID,
		DocumentID:       job.DocumentID,
		BlockIndex:       job.BlockIndex,
		ModelID:          job.ModelID,
		VoiceID:          job.VoiceID,
		WorkerID:         o.cfg.Owner,
		ProcessingTimeMS: time.Since(out.submittedAt).Milliseconds(),
		RetryCount:       job.RetryCount,
	}
	if res.Status == serverless.StatusCompleted {
		result.Audio = res.Audio
		result.AudioDurationMS = res.DurationMS
	} else {
		result.Error = res.Error
		if result.Error == "" {
			result.Error = "serverless: job failed without detail"
		}
		result.Job = &job
	}
	if err := o.store.PushResult(ctx, result); err != nil {
		o.log.Error("push serverless result", "job_id", job.JobID, "err", err)
	}
}
