// Package logging carries run-correlation IDs on the context so every log
// line can be traced back to the workflow, execution and step that produced
// it.
package logging

import (
	"context"
	"log/slog"
)

// correlation is the single value stored on the context. Copy-on-write: each
// With* call derives a new context carrying an updated copy.
type correlation struct {
	workflowID  string
	executionID string
	stepID      string
}

type correlationKey struct{}

func fromCtx(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

// attrs returns the non-empty IDs as slog attributes.
func (c correlation) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 3)
	if c.workflowID != "" {
		out = append(out, slog.String("workflow_id", c.workflowID))
	}
	if c.executionID != "" {
		out = append(out, slog.String("execution_id", c.executionID))
	}
	if c.stepID != "" {
		out = append(out, slog.String("step_id", c.stepID))
	}
	return out
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	c := fromCtx(ctx)
	c.workflowID = id
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	c := fromCtx(ctx)
	c.executionID = id
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	c := fromCtx(ctx)
	c.stepID = id
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, workflowID, executionID, stepID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlation{
		workflowID:  workflowID,
		executionID: executionID,
		stepID:      stepID,
	})
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	return fromCtx(ctx).workflowID
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	return fromCtx(ctx).executionID
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	return fromCtx(ctx).stepID
}

// LogWith returns a logger enriched with the context's correlation IDs.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range fromCtx(ctx).attrs() {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and stamps the context's
// correlation IDs onto every record, so logger.InfoContext(ctx, ...) carries
// them without callers threading attributes by hand.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromCtx(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
