// Package observe provides application-wide observability primitives for
// Chorus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Chorus metrics.
const meterName = "github.com/readwell/chorus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks adapter synthesis latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("backend", ...), attribute.String("status", ...)
	SynthesisDuration metric.Float64Histogram

	// QueueWait tracks how long a job sat queued before a worker claimed it.
	QueueWait metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// JobsEnqueued counts jobs pushed to the synthesis queue. Use with
	// attribute.String("model", ...).
	JobsEnqueued metric.Int64Counter

	// JobsCompleted counts terminal job outcomes. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	// where status is one of "ok", "error".
	JobsCompleted metric.Int64Counter

	// JobsRetried counts visibility-timeout and transient-failure requeues.
	JobsRetried metric.Int64Counter

	// JobsDeadLettered counts jobs moved to the dead-letter queue.
	JobsDeadLettered metric.Int64Counter

	// CacheRequests counts audio cache lookups. Use with
	// attribute.String("outcome", "hit"|"miss").
	CacheRequests metric.Int64Counter

	// ServerlessSubmissions counts overflow submissions. Use with
	// attribute.String("status", "ok"|"error"|"rejected").
	ServerlessSubmissions metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// InFlightJobs tracks the number of variant hashes currently registered
	// as in flight.
	InFlightJobs metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Synthesis
// of a paragraph routinely takes whole seconds, so the buckets reach further
// than typical request-latency defaults.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("chorus.synthesis.duration",
		metric.WithDescription("Latency of one synthesis job by model, backend, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("chorus.queue.wait",
		metric.WithDescription("Time a job spent queued before being claimed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("chorus.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsEnqueued, err = m.Int64Counter("chorus.jobs.enqueued",
		metric.WithDescription("Total jobs pushed to the synthesis queue by model."),
	); err != nil {
		return nil, err
	}
	if met.JobsCompleted, err = m.Int64Counter("chorus.jobs.completed",
		metric.WithDescription("Total terminal job outcomes by model and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsRetried, err = m.Int64Counter("chorus.jobs.retried",
		metric.WithDescription("Total job requeues from stale claims or transient failures."),
	); err != nil {
		return nil, err
	}
	if met.JobsDeadLettered, err = m.Int64Counter("chorus.jobs.dead_lettered",
		metric.WithDescription("Total jobs moved to the dead-letter queue."),
	); err != nil {
		return nil, err
	}
	if met.CacheRequests, err = m.Int64Counter("chorus.cache.requests",
		metric.WithDescription("Total audio cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ServerlessSubmissions, err = m.Int64Counter("chorus.serverless.submissions",
		metric.WithDescription("Total overflow submissions to the serverless endpoint by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("chorus.active_connections",
		metric.WithDescription("Number of live WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.InFlightJobs, err = m.Int64UpDownCounter("chorus.inflight_jobs",
		metric.WithDescription("Number of variant hashes currently in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSynthesis records one synthesis attempt with the standard attribute
// set.
func (m *Metrics) RecordSynthesis(ctx context.Context, model, backend, status string, d time.Duration) {
	m.SynthesisDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordCacheLookup records one cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordJobCompleted records one terminal job outcome.
func (m *Metrics) RecordJobCompleted(ctx context.Context, model string, ok bool) {
	status := "error"
	if ok {
		status = "ok"
	}
	m.JobsCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordServerlessSubmission records one overflow submission attempt.
func (m *Metrics) RecordServerlessSubmission(ctx context.Context, status string) {
	m.ServerlessSubmissions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
