// Package telemetry configures OpenTelemetry tracing for harvest runs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer used for job spans.
const TracerName = "github.com/JakeFAU/catalog-harvester"

// InitTracerProvider installs a global tracer provider and the W3C trace
// context propagator. Spans are sampled but not exported until an exporter is
// registered on the returned provider; their IDs still travel in Pub/Sub
// message attributes.
func InitTracerProvider(ctx context.Context, serviceName, version string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// StartJobSpan opens the root span of a harvest job.
func StartJobSpan(ctx context.Context, jobID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "harvest.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("harvest.job_id", jobID),
			attribute.String("harvest.strategy", strategy),
		),
	)
}
