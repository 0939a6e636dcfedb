package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "voxbooth".
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, exports spans over OTLP/gRPC to host:port.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP exporter.
	OTLPInsecure bool

	// StdoutTraces pretty-prints spans to stdout when no OTLP endpoint is
	// configured.
	StdoutTraces bool

	// TraceExporter overrides the exporter selection above. Used by tests.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry is the running SDK state returned by [InitProvider].
type Telemetry struct {
	registry *prometheus.Registry
	shutdown []func(context.Context) error
}

// InitProvider sets up the global meter provider with a Prometheus bridge
// and the global tracer provider with the exporter selected by cfg.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxbooth"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	tel := &Telemetry{registry: prometheus.NewRegistry()}

	promExp, err := promexporter.New(promexporter.WithRegisterer(tel.registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	tel.shutdown = append(tel.shutdown, mp.Shutdown)

	exp, err := traceExporter(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tel.shutdown = append(tel.shutdown, tp.Shutdown)

	return tel, nil
}

func traceExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	switch {
	case cfg.TraceExporter != nil:
		return cfg.TraceExporter, nil
	case cfg.OTLPEndpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp exporter: %w", err)
		}
		return exp, nil
	case cfg.StdoutTraces:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("observe: stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, nil
	}
}

// MetricsHandler serves the Prometheus exposition of every recorded metric.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and closes the exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
