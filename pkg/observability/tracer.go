// Package observability provides OpenTelemetry tracing and Prometheus metrics for pgfan.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgfan/pgfan/pkg/config"
)

// TracerProvider wraps the OpenTelemetry SDK TracerProvider with pgfan-specific setup.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	config   *config.OpenTelemetryConfig
}

// NewTracerProvider creates a new TracerProvider from the given configuration.
// Returns nil if tracing is not enabled or config is nil.
func NewTracerProvider(ctx context.Context, cfg *config.OpenTelemetryConfig) (*TracerProvider, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	opts := []otlptracegrpc.Option{}
	httpOpts := []otlptracehttp.Option{}

	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}

	switch cfg.GetOTLPProtocol() {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		exporter, err = otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", cfg.GetOTLPProtocol())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.GetServiceName()),
		semconv.ServiceVersion("0.1.0"),
	}
	for k, v := range cfg.ExtraAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	rate := cfg.GetSamplingRate()
	if rate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if rate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		config:   cfg,
	}, nil
}

// Tracer returns a tracer with the given name.
func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	if tp == nil || tp.provider == nil {
		return otel.Tracer(name) // no-op tracer until a provider is installed
	}
	return tp.provider.Tracer(name)
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Enabled returns true if tracing is enabled.
func (tp *TracerProvider) Enabled() bool {
	return tp != nil && tp.provider != nil
}

// Common span attribute keys used throughout pgfan.
const (
	AttrDBStatement = "db.statement"
	AttrShard       = "pgfan.shard"
	AttrGID         = "pgfan.gid"
	AttrSessionID   = "pgfan.session_id"
	AttrQueryType   = "pgfan.query_type"
	AttrPortalName  = "pgfan.portal_name"
)
