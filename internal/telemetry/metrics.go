package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for launcher spans and metrics.
var (
	AttrPhase    = attribute.Key("scope.setup.phase")
	AttrPort     = attribute.Key("scope.server.port")
	AttrExitCode = attribute.Key("scope.process.exit_code")
	AttrURL      = attribute.Key("scope.download.url")
	AttrOutcome  = attribute.Key("scope.outcome")
)

// Metrics holds the launcher's metric instruments.
type Metrics struct {
	SetupDuration  metric.Float64Histogram
	DownloadBytes  metric.Int64Counter
	HealthAttempts metric.Int64Counter
	ServerCrashes  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SetupDuration, err = meter.Float64Histogram("scope.setup.duration",
		metric.WithDescription("First-run setup duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DownloadBytes, err = meter.Int64Counter("scope.download.bytes",
		metric.WithDescription("Bytes downloaded while provisioning the tool"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthAttempts, err = meter.Int64Counter("scope.health.attempts",
		metric.WithDescription("Health check attempts against the backend"),
	)
	if err != nil {
		return nil, err
	}

	m.ServerCrashes, err = meter.Int64Counter("scope.server.crashes",
		metric.WithDescription("Backend exits with a non-zero code or signal"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (download, health check).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
