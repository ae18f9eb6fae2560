package observe_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voicemode/voicemode/internal/observe"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: unexpected error: %v", err)
	}

	ctx := context.Background()
	m.STTDuration.Record(ctx, 0.42)
	m.RecordProviderRequest(ctx, "127.0.0.1:8880", "tts", "ok")
	m.RecordProviderError(ctx, "127.0.0.1:8880", "connect")
	m.RecordBargeIn(ctx)
	m.RecordMessageDelivered(ctx, true)
	m.ActiveConversations.Add(ctx, 1)
	m.ActiveConversations.Add(ctx, -1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: unexpected error: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 {
		t.Fatalf("scopes: got %d, want 1", len(rm.ScopeMetrics))
	}

	recorded := map[string]bool{}
	for _, inst := range rm.ScopeMetrics[0].Metrics {
		recorded[inst.Name] = true
	}
	for _, name := range []string{
		"voicemode.stt.duration",
		"voicemode.provider.requests",
		"voicemode.provider.errors",
		"voicemode.barge_ins",
		"voicemode.messages.delivered",
		"voicemode.active_conversations",
	} {
		if !recorded[name] {
			t.Errorf("instrument %q not collected; got %v", name, recorded)
		}
	}
}

func TestDefaultMetricsStable(t *testing.T) {
	t.Parallel()

	if observe.DefaultMetrics() != observe.DefaultMetrics() {
		t.Fatal("DefaultMetrics: not a stable singleton")
	}
}
