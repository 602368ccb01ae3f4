// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fahrettinrizaergin/docker-manager"

// ShutdownFunc flushes and stops the trace provider.
type ShutdownFunc func(ctx context.Context) error

// Init installs an OTLP/HTTP trace exporter for endpoint. An empty endpoint keeps
// the global no-op provider.
func Init(ctx context.Context, service, endpoint string, log *slog.Logger) (ShutdownFunc, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", service))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if log != nil {
		log.Info("tracing enabled", "endpoint", endpoint)
	}
	return provider.Shutdown, nil
}

// Middleware wraps handler with server spans.
func Middleware(service string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, service)
}

// StartLifecycleSpan starts a span for a container operation.
func StartLifecycleSpan(ctx context.Context, op, containerID, nodeID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "container."+op,
		trace.WithAttributes(
			attribute.String("container.id", containerID),
			attribute.String("node.id", nodeID),
		),
	)
}

// StartDeploySpan starts a span for a deployment job.
func StartDeploySpan(ctx context.Context, deploymentID, containerID, provider string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "deployment",
		trace.WithAttributes(
			attribute.String("deployment.id", deploymentID),
			attribute.String("container.id", containerID),
			attribute.String("deployment.provider", provider),
		),
	)
}

// StartNodeSpan starts a span for a node health check or maintenance call.
func StartNodeSpan(ctx context.Context, op, nodeID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "node."+op,
		trace.WithAttributes(attribute.String("node.id", nodeID)))
}
