// Package observe provides application-wide observability primitives for
// Crosstalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Crosstalk metrics.
const meterName = "github.com/crosstalk-ai/crosstalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DecisionDuration tracks classifier decision latency.
	DecisionDuration metric.Float64Histogram

	// ResponseDuration tracks response generation latency.
	ResponseDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksIngested counts chunks emitted by the segmenter. Use with
	// attribute.String("boundary", ...).
	ChunksIngested metric.Int64Counter

	// StaleChunks counts out-of-order transcript updates dropped by the
	// segmenter.
	StaleChunks metric.Int64Counter

	// Decisions counts classifier outcomes. Use with attributes:
	//   attribute.String("agent_id", ...), attribute.String("decision", ...)
	Decisions metric.Int64Counter

	// ClassifierTimeouts counts classifier calls that exceeded their deadline
	// and defaulted to SKIP.
	ClassifierTimeouts metric.Int64Counter

	// InvalidDecisions counts classifier responses outside the defined action
	// set (treated as SKIP).
	InvalidDecisions metric.Int64Counter

	// Interruptions counts honored GETINTERRUPTED transitions by agent.
	Interruptions metric.Int64Counter

	// Resumptions counts INTERRUPTED → RESUMING transitions by agent.
	Resumptions metric.Int64Counter

	// AbandonedUtterances counts utterances forced to ABANDONED, by reason
	// ("leave", "timeout", "synthesis").
	AbandonedUtterances metric.Int64Counter

	// SinkErrors counts failed persistence deliveries by sink name.
	SinkErrors metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveParticipants tracks the number of joined participants.
	ActiveParticipants metric.Int64UpDownCounter

	// SpeakingParticipants tracks how many participants hold SPEAKING state.
	// Above 1 only during the interruption grace window.
	SpeakingParticipants metric.Int64UpDownCounter

	// PendingInterrupts tracks queued interrupt attempts awaiting
	// re-evaluation.
	PendingInterrupts metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecisionDuration, err = m.Float64Histogram("crosstalk.decision.duration",
		metric.WithDescription("Latency of classifier decisions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("crosstalk.response.duration",
		metric.WithDescription("Latency of response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("crosstalk.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksIngested, err = m.Int64Counter("crosstalk.chunks.ingested",
		metric.WithDescription("Total chunks emitted by the segmenter, by boundary."),
	); err != nil {
		return nil, err
	}
	if met.StaleChunks, err = m.Int64Counter("crosstalk.chunks.stale",
		metric.WithDescription("Out-of-order transcript updates dropped by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("crosstalk.decisions",
		metric.WithDescription("Classifier outcomes by agent and decision."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierTimeouts, err = m.Int64Counter("crosstalk.classifier.timeouts",
		metric.WithDescription("Classifier calls that exceeded their deadline and defaulted to SKIP."),
	); err != nil {
		return nil, err
	}
	if met.InvalidDecisions, err = m.Int64Counter("crosstalk.classifier.invalid",
		metric.WithDescription("Classifier responses outside the defined action set."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("crosstalk.interruptions",
		metric.WithDescription("Honored interruptions by agent."),
	); err != nil {
		return nil, err
	}
	if met.Resumptions, err = m.Int64Counter("crosstalk.resumptions",
		metric.WithDescription("Resumed utterances by agent."),
	); err != nil {
		return nil, err
	}
	if met.AbandonedUtterances, err = m.Int64Counter("crosstalk.utterances.abandoned",
		metric.WithDescription("Utterances forced to ABANDONED, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("crosstalk.sink.errors",
		metric.WithDescription("Failed persistence deliveries by sink."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("crosstalk.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveParticipants, err = m.Int64UpDownCounter("crosstalk.active_participants",
		metric.WithDescription("Number of joined participants."),
	); err != nil {
		return nil, err
	}
	if met.SpeakingParticipants, err = m.Int64UpDownCounter("crosstalk.speaking_participants",
		metric.WithDescription("Number of participants holding SPEAKING state."),
	); err != nil {
		return nil, err
	}
	if met.PendingInterrupts, err = m.Int64UpDownCounter("crosstalk.pending_interrupts",
		metric.WithDescription("Queued interrupt attempts awaiting re-evaluation."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("crosstalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordDecision is a convenience method that records a classifier outcome
// with the standard attribute set.
func (m *Metrics) RecordDecision(ctx context.Context, agentID, decision string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("decision", decision),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordAbandoned is a convenience method that records a forced ABANDONED
// transition with its reason.
func (m *Metrics) RecordAbandoned(ctx context.Context, agentID, reason string) {
	m.AbandonedUtterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("reason", reason),
		),
	)
}
