package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartExecution opens the root span for one flow execution.
func StartExecution(ctx context.Context, flowID, executionID, trigger string) (context.Context, trace.Span) {
	ctx, span := Tracer("agenthub-flow").Start(ctx, "flow.execute",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("flow_id", flowID),
		attribute.String("execution_id", executionID),
		attribute.String("trigger", trigger),
	)
	return ctx, span
}

// StartNode opens a child span for one node dispatch.
func StartNode(ctx context.Context, nodeID, kind string) (context.Context, trace.Span) {
	ctx, span := Tracer("agenthub-flow").Start(ctx, "flow.node",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("node_kind", kind),
	)
	return ctx, span
}

// StartRoute opens a span for one AI routing attempt.
func StartRoute(ctx context.Context, tier string) (context.Context, trace.Span) {
	ctx, span := Tracer("agenthub-router").Start(ctx, "ai.route",
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("tier", tier))
	return ctx, span
}

// End records err on the span, if any, and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
