package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// StartCommandSpan creates a span for a CLI command execution.
//
// Usage:
//
//	ctx, span := telemetry.StartCommandSpan(cmd.Context(), "run")
//	defer span.End()
func StartCommandSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "command."+name, trace.WithAttributes(
		attribute.String("command", name),
		attribute.String("component", "cli"),
	))
}

// StartRunSpan covers one orchestrated plan run, across revisions.
func StartRunSpan(ctx context.Context, planID string, steps int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("plan.id", planID),
		attribute.Int("plan.steps", steps),
	))
}

// StartStepSpan covers one step from dispatch to terminal state.
func StartStepSpan(ctx context.Context, sessionID, stepID, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.step", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("step.id", stepID),
		attribute.String("tool", tool),
	))
}

// StartCallSpan covers one adapter call including its retries.
func StartCallSpan(ctx context.Context, tool, strategy string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "adapter.call", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("strategy", strategy),
	))
}

// RecordSuccess marks a span as successful with optional result attributes.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status.
// Structured errors contribute their code as an attribute.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := errors.CodeOf(err); code != "" {
		span.SetAttributes(attribute.String("error.code", string(code)))
	}
}
