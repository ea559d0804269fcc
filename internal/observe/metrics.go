// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] and scraped through the
// handler returned by [MetricsHandler]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Sentence outcomes used with [Metrics.RecordSentence].
const (
	SentenceDelivered = "delivered"
	SentenceSkipped   = "skipped"
	SentenceDiscarded = "discarded"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency per utterance.
	STTDuration metric.Float64Histogram

	// LLMFirstTokenDuration tracks the time from request to first text delta.
	LLMFirstTokenDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks the time from end of speech to first audio frame.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Utterances counts recognized user utterances. Use with attribute:
	//   attribute.String("trigger", ...) // vad, manual, wake_word
	Utterances metric.Int64Counter

	// Sentences counts reply sentences by outcome. Use with attribute:
	//   attribute.String("outcome", ...) // delivered, skipped, discarded
	Sentences metric.Int64Counter

	// FramesSent counts audio frames written to devices.
	FramesSent metric.Int64Counter

	// LateFrames counts frames dropped by the pacer for running late.
	LateFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CodecErrors counts undecodable inbound frames.
	CodecErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingSentences tracks sentences waiting for synthesis or playback.
	PendingSentences metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "parley.stt.duration", "Latency of speech recognition."},
		{&met.LLMFirstTokenDuration, "parley.llm.first_token.duration", "Latency from LLM request to first token."},
		{&met.TTSDuration, "parley.tts.duration", "Latency of sentence synthesis."},
		{&met.ToolExecutionDuration, "parley.tool_execution.duration", "Latency of tool execution."},
		{&met.TurnDuration, "parley.turn.duration", "Latency from end of speech to first reply audio."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "parley.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ToolCalls, "parley.tool.calls", "Total tool invocations by tool name and status."},
		{&met.Utterances, "parley.utterances", "Total recognized user utterances by trigger."},
		{&met.Sentences, "parley.sentences", "Total reply sentences by outcome."},
		{&met.FramesSent, "parley.frames.sent", "Total audio frames sent to devices."},
		{&met.LateFrames, "parley.frames.late", "Total audio frames skipped for running late."},
		{&met.ProviderErrors, "parley.provider.errors", "Total provider errors by provider and kind."},
		{&met.CodecErrors, "parley.codec.errors", "Total undecodable inbound audio frames."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live device sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingSentences, err = m.Int64UpDownCounter("parley.pending_sentences",
		metric.WithDescription("Number of sentences waiting for synthesis or playback."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance records one recognized utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, trigger string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSentence records one reply sentence with its outcome.
func (m *Metrics) RecordSentence(ctx context.Context, outcome string) {
	m.Sentences.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
