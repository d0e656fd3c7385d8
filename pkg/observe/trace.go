// Package observe provides OpenTelemetry span helpers for the orchestration
// pipeline. Spans are no-ops unless the process installs a tracer provider.
package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mailflow/pkg/proto"
)

const tracerName = "mailflow/engine"

// StartRunSpan opens a span for one engine operation on a run.
func StartRunSpan(ctx context.Context, op, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithAttributes(attribute.String("run.id", runID)))
}

// StartStepSpan opens a span for one step execution attempt.
func StartStepSpan(ctx context.Context, runID string, step proto.StepName, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step."+step.String(),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step", step.String()),
			attribute.Int("attempt", attempt),
		))
}

// EndSpan closes a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
