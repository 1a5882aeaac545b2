// Package telemetry provides OpenTelemetry tracing and metrics for the
// launcher. When disabled, all operations are no-ops.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope for traces and metrics.
	ScopeName = "scope-launcher"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool
	Exporter    string // otlp-http, stdout or none
	Endpoint    string
	ServiceName string
	SampleRate  float64
	Version     string
}

// Provider wraps tracer and meter providers with cleanup.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	meter := noop.NewMeterProvider().Meter(ScopeName)
	m, _ := NewMetrics(meter)
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:    meter,
		Metrics:  m,
		shutdown: func(context.Context) error { return nil },
	}
}

// Init sets up OpenTelemetry with the given config. The returned provider
// must be shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = ScopeName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("launcher.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(ScopeName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{
		Tracer:  tp.Tracer(ScopeName),
		Meter:   meter,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}
