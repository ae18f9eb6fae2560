// Package observe provides VoiceMode's observability primitives: OpenTelemetry
// metric instruments with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoiceMode metrics.
const meterName = "github.com/voicemode/voicemode"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TTFA tracks time-to-first-audio for TTS playback.
	TTFA metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("role", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BargeIns counts voice-detected interruptions of TTS playback.
	BargeIns metric.Int64Counter

	// MessagesDelivered counts gateway messages delivered into mailboxes.
	// Use with attribute.String("live", "true"|"false").
	MessagesDelivered metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks conversations currently in flight.
	ActiveConversations metric.Int64UpDownCounter

	// ConnectedGateways tracks live gateway WebSocket sessions (0 or 1).
	ConnectedGateways metric.Int64UpDownCounter
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

	if met.STTDuration, err = m.Float64Histogram("voicemode.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voicemode.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTFA, err = m.Float64Histogram("voicemode.tts.ttfa",
		metric.WithDescription("Time to first audio for TTS playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("voicemode.provider.requests",
		metric.WithDescription("Total provider API requests by endpoint, role, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicemode.provider.errors",
		metric.WithDescription("Total provider errors by endpoint and kind."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicemode.barge_ins",
		metric.WithDescription("Total voice-detected interruptions of TTS playback."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDelivered, err = m.Int64Counter("voicemode.messages.delivered",
		metric.WithDescription("Total gateway messages delivered into mailboxes."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversations, err = m.Int64UpDownCounter("voicemode.active_conversations",
		metric.WithDescription("Number of conversations currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedGateways, err = m.Int64UpDownCounter("voicemode.connected_gateways",
		metric.WithDescription("Number of live gateway WebSocket sessions."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, endpoint, role, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("role", role),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, endpoint, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("kind", kind),
		),
	)
}

// RecordBargeIn records one voice-detected interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordMessageDelivered records one mailbox delivery.
func (m *Metrics) RecordMessageDelivered(ctx context.Context, live bool) {
	liveAttr := "false"
	if live {
		liveAttr = "true"
	}
	m.MessagesDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("live", liveAttr)))
}
