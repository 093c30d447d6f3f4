// Package observe provides application-wide observability primitives for
// Intervox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Intervox metrics.
const meterName = "github.com/intervox-ai/intervox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks answer generation latency. Use with
	// attributes:
	//   attribute.String("role", ...), attribute.String("strategy", ...), attribute.String("status", ...)
	GenerationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// TranscriptCommits counts utterances committed to session transcripts.
	// Use with attribute: attribute.String("speaker", ...)
	TranscriptCommits metric.Int64Counter

	// ResponseTriggers counts transcript triggers that woke a response
	// worker. Use with attribute: attribute.String("speaker", ...)
	ResponseTriggers metric.Int64Counter

	// CreditsDebited counts credits charged across all sessions.
	CreditsDebited metric.Int64Counter

	// ForcedTerminations counts sessions terminated server-side. Use with
	// attribute: attribute.String("reason", ...)
	ForcedTerminations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live interview sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected clients across all
	// sessions.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Answer
// generation regularly takes several seconds, so the top buckets reach the
// generation budget.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// httpBuckets covers the health-and-metrics surface, which answers in
// milliseconds, not seconds.
var httpBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("intervox.generation.duration",
		metric.WithDescription("Latency of answer generation by role, strategy, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("intervox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptCommits, err = m.Int64Counter("intervox.transcript.commits",
		metric.WithDescription("Total utterances committed to session transcripts by speaker."),
	); err != nil {
		return nil, err
	}
	if met.ResponseTriggers, err = m.Int64Counter("intervox.response.triggers",
		metric.WithDescription("Total transcript triggers that woke a response worker."),
	); err != nil {
		return nil, err
	}
	if met.CreditsDebited, err = m.Int64Counter("intervox.credits.debited",
		metric.WithDescription("Total credits charged across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ForcedTerminations, err = m.Int64Counter("intervox.forced_terminations",
		metric.WithDescription("Total sessions terminated server-side by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("intervox.active_sessions",
		metric.WithDescription("Number of live interview sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("intervox.active_connections",
		metric.WithDescription("Number of connected clients across all sessions."),
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

// RecordGeneration records one answer generation with the standard
// attribute set.
func (m *Metrics) RecordGeneration(ctx context.Context, role, strategy, status string, d time.Duration) {
	m.GenerationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("strategy", strategy),
			attribute.String("status", status),
		),
	)
}

// RecordCommit records one transcript commit.
func (m *Metrics) RecordCommit(ctx context.Context, speaker string) {
	m.TranscriptCommits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordTrigger records one response worker wake-up.
func (m *Metrics) RecordTrigger(ctx context.Context, speaker string) {
	m.ResponseTriggers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordDebit records one credit debit.
func (m *Metrics) RecordDebit(ctx context.Context, amount int64) {
	m.CreditsDebited.Add(ctx, amount)
}

// RecordForcedTermination records one server-side session termination.
func (m *Metrics) RecordForcedTermination(ctx context.Context, reason string) {
	m.ForcedTerminations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
