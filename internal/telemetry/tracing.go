// Package telemetry configures OpenTelemetry tracing for the gateway.
//
// Custom span attributes use the `meshgate.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "blackroad.io/meshgate"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. An empty endpoint disables tracing (noop provider). The returned
// shutdown function must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("meshgate"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartRouteSpan creates the parent span for one routed request.
func StartRouteSpan(ctx context.Context, requestID, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.route",
		trace.WithAttributes(
			attribute.String("meshgate.request_id", requestID),
			attribute.String("meshgate.kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRouteSpan enriches the route span with the classification result.
func EndRouteSpan(span trace.Span, org, service string, confidence float64, branch string) {
	span.SetAttributes(
		attribute.String("meshgate.org", org),
		attribute.String("meshgate.service", service),
		attribute.Float64("meshgate.confidence", confidence),
		attribute.String("meshgate.branch", branch),
	)
	span.End()
}

// StartDispatchSpan creates a child span for one backend call.
func StartDispatchSpan(ctx context.Context, org, service string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.dispatch",
		trace.WithAttributes(
			attribute.String("meshgate.org", org),
			attribute.String("meshgate.service", service),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDispatchSpan enriches the dispatch span with the outcome.
func EndDispatchSpan(span trace.Span, status int, outcome string) {
	span.SetAttributes(
		attribute.Int("meshgate.status", status),
		attribute.String("meshgate.outcome", outcome),
	)
	span.End()
}

// StartWebhookSpan creates a span for webhook intake.
func StartWebhookSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.webhook",
		trace.WithAttributes(
			attribute.String("meshgate.provider", provider),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
