// Package observe provides the observability primitives of voxbooth:
// OpenTelemetry metrics and tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus bridge set up by [InitProvider]. [DefaultMetrics]
// uses the global meter provider; tests should build their own with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxbooth"

// Metrics holds every instrument the server records. All fields are safe for
// concurrent use.
type Metrics struct {
	// SynthesisDuration is the wall time of one synthesis task, from accept
	// to terminal message. Attributes: mode, status.
	SynthesisDuration metric.Float64Histogram

	// FirstAudioLatency is the time from accept to the first provider
	// fragment.
	FirstAudioLatency metric.Float64Histogram

	// LLMDuration tracks reply generation latency.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider,
	// kind.
	ProviderErrors metric.Int64Counter

	// AudioBytes counts audio bytes per pipeline stage. Attribute: stage.
	AudioBytes metric.Int64Counter

	// BusyRejections counts speak requests refused because the session was
	// already processing.
	BusyRejections metric.Int64Counter

	// SupersededSockets counts client sockets closed because the same
	// session attached from a newer socket.
	SupersededSockets metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
	ActiveSockets  metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for speech
// synthesis (first audio in a few hundred ms, full clips in seconds).
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 2, 4, 8, 16, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("voxbooth.synthesis.duration",
		metric.WithDescription("Duration of a synthesis task from accept to terminal message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voxbooth.synthesis.first_audio",
		metric.WithDescription("Time from accepting a request to the first provider audio fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxbooth.llm.duration",
		metric.WithDescription("Latency of LLM reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("voxbooth.provider.requests",
		metric.WithDescription("Provider calls by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxbooth.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxbooth.audio.bytes",
		metric.WithDescription("Audio bytes by pipeline stage."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BusyRejections, err = m.Int64Counter("voxbooth.session.busy_rejections",
		metric.WithDescription("Speak requests rejected because the session was busy."),
	); err != nil {
		return nil, err
	}
	if met.SupersededSockets, err = m.Int64Counter("voxbooth.session.superseded_sockets",
		metric.WithDescription("Client sockets closed because a newer socket attached to the same session."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbooth.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSockets, err = m.Int64UpDownCounter("voxbooth.active_sockets",
		metric.WithDescription("Number of registered client sockets."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbooth.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the real provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordAudioBytes adds n bytes to the counter for stage.
func (m *Metrics) RecordAudioBytes(ctx context.Context, stage string, n int64) {
	m.AudioBytes.Add(ctx, n, metric.WithAttributes(attribute.String("stage", stage)))
}
