package session

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/pkg/provider/tts/mock"
)

// activeSockets collects the current value of the live socket gauge.
func activeSockets(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxbooth.active_sockets" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("active_sockets is %T, want an int64 sum", met.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestAttach_ActiveSocketsGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m := newTestManager(t, Config{Streamer: &mock.Streamer{}, Metrics: metrics})

	first, second := &fakeConn{}, &fakeConn{}
	attach(t, m, first, "s1")
	speed := 1.2
	if _, err := m.Attach(first, "s1", "speech-02-hd", &speed); err != nil {
		t.Fatalf("repeated Attach: %v", err)
	}
	if got := activeSockets(t, reader); got != 1 {
		t.Errorf("after repeated init: active sockets = %d, want 1", got)
	}

	attach(t, m, second, "s1")
	if got := activeSockets(t, reader); got != 1 {
		t.Errorf("after supersede: active sockets = %d, want 1", got)
	}

	m.Detach(first, "s1")
	m.Detach(second, "s1")
	if got := activeSockets(t, reader); got != 0 {
		t.Errorf("after detach: active sockets = %d, want 0", got)
	}
}
