package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attribute
// key equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestHistograms(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SynthesisDuration.Record(ctx, 1.2)
	m.SynthesisDuration.Record(ctx, 3.4)
	m.FirstAudioLatency.Record(ctx, 0.3)
	m.LLMDuration.Record(ctx, 0.8)

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"voxbooth.synthesis.duration":    2,
		"voxbooth.synthesis.first_audio": 1,
		"voxbooth.llm.duration":          1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("metric %q not found", name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 {
			t.Errorf("metric %q has no histogram data", name)
			continue
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "minimax", "stream", "ok")
	m.RecordProviderRequest(ctx, "minimax", "stream", "ok")
	m.RecordProviderRequest(ctx, "minimax", "stream", "error")
	m.RecordProviderError(ctx, "minimax", "timeout")
	m.RecordAudioBytes(ctx, "in", 100)
	m.RecordAudioBytes(ctx, "in", 50)
	m.RecordAudioBytes(ctx, "sent", 120)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxbooth.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxbooth.provider.errors", "kind", "timeout"); got != 1 {
		t.Errorf("timeout errors = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "voxbooth.audio.bytes", "stage", "in"); got != 150 {
		t.Errorf("in bytes = %d, want 150", got)
	}
	if got := sumWhere(t, rm, "voxbooth.audio.bytes", "stage", "sent"); got != 120 {
		t.Errorf("sent bytes = %d, want 120", got)
	}
}

func TestSessionCounters(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSockets.Add(ctx, 3)
	m.BusyRejections.Add(ctx, 1)
	m.SupersededSockets.Add(ctx, 2)

	rm := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"voxbooth.active_sessions", 1},
		{"voxbooth.active_sockets", 3},
		{"voxbooth.session.busy_rejections", 1},
		{"voxbooth.session.superseded_sockets", 2},
	}
	for _, tt := range tests {
		if got := sumWhere(t, rm, tt.name, "", ""); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
