package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer is this package's OpenTelemetry tracer, in the same start/end-span
// idiom the teacher's internal/executor/tracing.go uses — but sourced from
// otel's own global provider rather than the teacher's agentkit/telemetry
// wrapper, since that wrapper lives in the teacher's external module and
// this engine does not import it (spec.md §4.5's AgentDriver boundary).
var tracer = otel.Tracer("github.com/orchestrator/coderunner/internal/orchestrator")

func startRunSpan(ctx context.Context, goal string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "run")
	span.SetAttributes(attribute.String("goal", goal))
	return ctx, span
}

func startCycleSpan(ctx context.Context, cycle int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "cycle")
	span.SetAttributes(attribute.Int("cycle", cycle))
	return ctx, span
}

func startStepSpan(ctx context.Context, stepNumber string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "step")
	span.SetAttributes(attribute.String("step.number", stepNumber))
	return ctx, span
}

func startTurnSpan(ctx context.Context, stepNumber string, attempt int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "turn")
	span.SetAttributes(attribute.String("step.number", stepNumber), attribute.Int("attempt", attempt))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
