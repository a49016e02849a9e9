// Package consumer drains the results stream and settles each job: caching
// audio, archiving artifacts, fanning completion notices out to subscribers,
// and owning the retry decision for failed synthesis.
//
// The consumer is the only writer to the audio cache and the only deleter in
// the in-flight registry. Keeping both on a single actor means a variant hash
// is cleared exactly once, after its audio is actually retrievable, so no
// subscriber can observe a "done" notice for audio that is not there yet.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/readwell/chorus/internal/archive"
	"github.com/readwell/chorus/internal/cache"
	"github.com/readwell/chorus/internal/inflight"
	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/pubsub"
	"github.com/readwell/chorus/internal/queue"
)

// errorBackoff is the pause after a failed pop before polling again, so a
// broken store connection does not spin the loop.
const errorBackoff = time.Second

// Option is a functional option for configuring the Consumer.
type Option func(*Consumer)

// WithArchive enables artifact archiving. Archive writes are best effort; a
// failed write is logged and never blocks completion.
func WithArchive(a archive.Store) Option {
	return func(c *Consumer) {
		c.arch = a
	}
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) {
		c.log = log
	}
}

// WithAudioURLBase sets the base path or URL under which the gateway serves
// cached audio. Default: "/audio".
func WithAudioURLBase(base string) Option {
	return func(c *Consumer) {
		c.audioURLBase = base
	}
}

// Consumer is the results-stream worker. Create with [New], then call
// [Consumer.Run].
type Consumer struct {
	store queue.Store
	cache cache.Store
	reg   inflight.Registry
	bus   pubsub.Bus

	arch         archive.Store
	metrics      *observe.Metrics
	log          *slog.Logger
	audioURLBase string
}

// New creates a Consumer over the given backends.
func New(store queue.Store, audioCache cache.Store, reg inflight.Registry, bus pubsub.Bus, opts ...Option) *Consumer {
	c := &Consumer{
		store:        store,
		cache:        audioCache,
		reg:          reg,
		bus:          bus,
		log:          slog.Default(),
		audioURLBase: "/audio",
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Run drains the results stream until ctx is cancelled. It always returns
// ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("result consumer started")
	for {
		res, err := c.store.PopResult(ctx)
		if ctx.Err() != nil {
			c.log.Info("result consumer stopping")
			return ctx.Err()
		}
		if err != nil {
			c.log.Error("pop result", "err", err)
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if res == nil {
			continue
		}
		c.handle(ctx, res)
	}
}

func (c *Consumer) handle(ctx context.Context, res *queue.Result) {
	if res.Failed() {
		c.handleFailure(ctx, res)
		return
	}
	c.handleSuccess(ctx, res)
}

func (c *Consumer) handleSuccess(ctx context.Context, res *queue.Result) {
	cacheErr := c.cache.Put(ctx, res.VariantHash, res.Audio, res.AudioDurationMS, res.ModelID, res.VoiceID)
	if cacheErr != nil {
		c.log.Error("cache put", "variant_hash", res.VariantHash, "err", cacheErr)
	}

	if c.arch != nil {
		rec := archive.Record{
			VariantHash:     res.VariantHash,
			ModelID:         res.ModelID,
			VoiceID:         res.VoiceID,
			Audio:           res.Audio,
			AudioDurationMS: res.AudioDurationMS,
		}
		if res.Job != nil {
			rec.Text = res.Job.Text
			rec.VoiceParams = res.Job.VoiceParams
		}
		if err := c.arch.Save(ctx, rec); err != nil {
			c.log.Warn("archive save", "variant_hash", res.VariantHash, "err", err)
		}
	}

	if err := c.store.Complete(ctx, res.ModelID, res.JobID); err != nil {
		c.log.Warn("complete job", "job_id", res.JobID, "err", err)
	}

	st := pubsub.Status{
		VariantHash: res.VariantHash,
		Status:      pubsub.StateCached,
		ModelID:     res.ModelID,
		VoiceID:     res.VoiceID,
		AudioURL:    c.audioURLBase + "/" + res.VariantHash,
	}
	if cacheErr != nil && c.arch == nil {
		// With no archive to fall back to, the audio URL would 404. Tell
		// subscribers instead of blocking them; a fresh synthesize request
		// produces a new job.
		st.Status = pubsub.StateError
		st.AudioURL = ""
		st.Error = "audio store unavailable"
	}
	c.notify(ctx, res, st)
	c.clear(ctx, res.VariantHash)

	c.metrics.RecordJobCompleted(ctx, res.ModelID, true)
	c.log.Info("job completed",
		"job_id", res.JobID,
		"variant_hash", res.VariantHash,
		"model", res.ModelID,
		"worker_id", res.WorkerID,
		"processing_ms", res.ProcessingTimeMS)
}

func (c *Consumer) handleFailure(ctx context.Context, res *queue.Result) {
	job := res.Job
	if job == nil {
		// Legacy producers omit the envelope; reconstruct enough of it to
		// dead-letter. Without the text a retry would synthesize nothing, so
		// the job cannot be requeued.
		job = &queue.Job{
			JobID:       res.JobID,
			VariantHash: res.VariantHash,
			UserID:      res.UserID,
			DocumentID:  res.DocumentID,
			BlockIndex:  res.BlockIndex,
			ModelID:     res.ModelID,
			VoiceID:     res.VoiceID,
			RetryCount:  res.RetryCount,
		}
		res.Fatal = true
	}

	if !res.Fatal {
		err := c.store.Requeue(ctx, res.ModelID, *job)
		switch {
		case err == nil:
			// The in-flight record stays: the job is enqueued again and
			// subscribers keep waiting for the retry to finish.
			c.metrics.JobsRetried.Add(ctx, 1)
			c.log.Warn("transient synthesis failure, job requeued",
				"job_id", res.JobID,
				"variant_hash", res.VariantHash,
				"retry_count", job.RetryCount+1,
				"err_msg", res.Error)
			return
		case errors.Is(err, queue.ErrRetriesExhausted):
			// Fall through to the dead-letter path.
		default:
			// Requeue failed for infrastructure reasons. Leave the claim in
			// place; the visibility scanner picks the job up later.
			c.log.Error("requeue", "job_id", res.JobID, "err", err)
			return
		}
	}

	reason := res.Error
	if !res.Fatal {
		reason = fmt.Sprintf("retries exhausted: %s", res.Error)
	}
	if err := c.store.DeadLetter(ctx, res.ModelID, *job, reason); err != nil {
		c.log.Error("dead letter", "job_id", res.JobID, "err", err)
	}

	c.notify(ctx, res, pubsub.Status{
		VariantHash: res.VariantHash,
		Status:      pubsub.StateError,
		ModelID:     res.ModelID,
		VoiceID:     res.VoiceID,
		Error:       res.Error,
	})
	c.clear(ctx, res.VariantHash)

	c.metrics.JobsDeadLettered.Add(ctx, 1)
	c.metrics.RecordJobCompleted(ctx, res.ModelID, false)
	c.log.Error("job failed terminally",
		"job_id", res.JobID,
		"variant_hash", res.VariantHash,
		"model", res.ModelID,
		"fatal", res.Fatal,
		"err_msg", res.Error)
}

// notify publishes st to every subscriber of the result's variant hash, with
// the subscriber's own document and block position filled in.
func (c *Consumer) notify(ctx context.Context, res *queue.Result, st pubsub.Status) {
	subs, err := c.reg.Subscribers(ctx, res.VariantHash)
	if err != nil {
		c.log.Error("list subscribers", "variant_hash", res.VariantHash, "err", err)
		return
	}
	for _, sub := range subs {
		msg := st
		msg.DocumentID = sub.DocumentID
		msg.BlockIndex = sub.BlockIndex
		if err := c.bus.Publish(ctx, pubsub.DoneChannel(sub.UserID, sub.DocumentID), msg); err != nil {
			c.log.Warn("publish completion",
				"variant_hash", res.VariantHash,
				"user_id", sub.UserID,
				"err", err)
		}
	}
}

func (c *Consumer) clear(ctx context.Context, hash string) {
	if err := c.reg.Clear(ctx, hash); err != nil {
		c.log.Error("clear in-flight record", "variant_hash", hash, "err", err)
		return
	}
	c.metrics.InFlightJobs.Add(ctx, -1)
}
