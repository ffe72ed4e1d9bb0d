package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "metricquery"

// StartQuerySpan starts a span for a metric query execution.
func StartQuerySpan(ctx context.Context, queryID, projectID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "query",
		trace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.String("project.id", projectID),
			attribute.String("query.mode", mode),
		),
	)
}

// StartCompileSpan starts a span for a compile-only (explain) request.
func StartCompileSpan(ctx context.Context, requestID, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "compile",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("project.id", projectID),
		),
	)
}

// StartBuildSpan starts a span for a manifest build.
func StartBuildSpan(ctx context.Context, buildID, projectID, ref string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "build",
		trace.WithAttributes(
			attribute.String("build.id", buildID),
			attribute.String("project.id", projectID),
			attribute.String("build.ref", ref),
		),
	)
}
