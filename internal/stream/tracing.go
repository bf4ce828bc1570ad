package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer emits through the process-global provider; with no SDK installed
// these spans are no-ops.
var tracer = otel.Tracer("github.com/muxhq/mux/internal/stream")

// startProviderSpan opens a client span for one provider turn.
func startProviderSpan(ctx context.Context, workspaceID, model string, turn int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "llm.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("workspace.id", workspaceID),
			attribute.String("llm.model", model),
			attribute.Int("llm.turn", turn),
		),
	)
}

// startToolSpan opens an internal span for one tool execution.
func startToolSpan(ctx context.Context, workspaceID, toolName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tool."+toolName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workspace.id", workspaceID),
			attribute.String("tool.name", toolName),
		),
	)
}

// endSpan closes a span, recording err when set.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
