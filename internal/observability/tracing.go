// Package observability provides OpenTelemetry tracing and logging utilities.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	otelattribute "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the tracer registered for this client's spans.
const TracerName = "mixerclient-go"

// Span names for the three RPC boundaries this library crosses. Kept as
// constants so callers configuring span processors/samplers by name have a
// stable contract.
const (
	SpanCheck  = "mixer.check"
	SpanAlloc  = "mixer.alloc"
	SpanReport = "mixer.report"
)

// TracingConfig contains configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool
	// Exporter is the span exporter to batch spans to (OTLP, stdout, or any
	// other otel/sdk/trace.SpanExporter implementation). This library
	// declares no exporter dependency of its own — the caller supplies one
	// appropriate to their environment, matching the transport interface's
	// bring-your-own-wire-format design.
	Exporter    sdktrace.SpanExporter
	ServiceName string
	SampleRate  float64
}

// DefaultTracingConfig returns sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		ServiceName: "mixerclient",
		SampleRate:  1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing. With cfg.Enabled false (or
// no Exporter set), it returns a no-op tracer so callers can leave tracing
// wired up unconditionally.
func InitTracing(_ context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled || cfg.Exporter == nil {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(cfg.Exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

// Tracer returns the tracer instance.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// StartRPCSpan starts a span for one of the three Mixer RPC boundaries,
// tagging it with the correlation ID carried in ctx, if any.
func StartRPCSpan(ctx context.Context, tracer trace.Tracer, spanName string) (context.Context, trace.Span) {
	attrs := []otelattribute.KeyValue{
		otelattribute.String("mixer.rpc", spanName),
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, otelattribute.String("mixer.correlation_id", id))
	}
	return tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(otelattribute.Bool("error", true))
}

// SpanFromContext extracts the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
