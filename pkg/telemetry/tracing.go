package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer scoped to one run/backend-call/
// tool-call operation. Adapted from the other pack repo's observability.Tracer
// (haasonsaas-nexus's internal/observability/tracing.go), trimmed to three
// span helpers: run, backend call, tool call. cmd/gatewayd builds a Tracer
// for exporter setup only; the run engine does not call these helpers.
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig controls exporter wiring. Endpoint empty => no-op tracer (the
// default for a plain `go run` with no collector listening).
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP/gRPC collector endpoint, e.g. "localhost:4317"
}

// NewTracer builds a Tracer and returns its shutdown func. Reads
// OTEL_EXPORTER_OTLP_ENDPOINT if config.Endpoint is empty.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// StartRun spans one run engine execution from start to terminal state.
func (t *Tracer) StartRun(ctx context.Context, runID, sessionKey string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("run.id", runID), attribute.String("session.key", sessionKey)))
}

// StartBackendCall spans one backend.StreamChat iteration.
func (t *Tracer) StartBackendCall(ctx context.Context, provider string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("backend.%s", provider), trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.provider", provider)))
}

// StartToolCall spans one dispatched tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tool.name", toolName)))
}

// RecordError records err on span and marks it failed, if err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
