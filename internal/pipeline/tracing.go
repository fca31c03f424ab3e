package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventkg/internal/construct"
)

// Uses the global OTel tracer provider.
var tracer = otel.Tracer("eventkg/pipeline")

func startBuildSpan(ctx context.Context, buildID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventkg.build",
		trace.WithAttributes(attribute.String("build.id", buildID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func startStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventkg.stage."+stage,
		trace.WithAttributes(attribute.String("stage", stage)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func annotateStage(span trace.Span, r *construct.Report) {
	if r == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Int("nodes.created", r.NodesCreated),
		attribute.Int("edges.created", r.EdgesCreated),
		attribute.Int("skips", r.SkipCount()),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
