// Package logging carries run correlation IDs through context.Context and
// puts them on every slog record.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Attribute keys for correlation IDs.
const (
	KeyRunID       = "run_id"
	KeyParentRunID = "parent_run_id"
	KeyWorkflowID  = "workflow_id"
	KeyStepID      = "step_id"
)

type ctxKey struct{}

// ids is the correlation state of one context. It is copied on change.
type ids struct {
	run, parent, workflow, step string
}

func idsFrom(ctx context.Context) ids {
	v, _ := ctx.Value(ctxKey{}).(ids)
	return v
}

func (c ids) attrs() []slog.Attr {
	var out []slog.Attr
	for _, kv := range [...][2]string{
		{KeyRunID, c.run},
		{KeyParentRunID, c.parent},
		{KeyWorkflowID, c.workflow},
		{KeyStepID, c.step},
	} {
		if kv[1] != "" {
			out = append(out, slog.String(kv[0], kv[1]))
		}
	}
	return out
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	c := idsFrom(ctx)
	c.run = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	c := idsFrom(ctx)
	c.workflow = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	c := idsFrom(ctx)
	c.step = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithIDs starts the correlation scope of a run. Inside another run's scope
// (a nested workflow step) the outer run becomes the parent and the outer
// step ID is dropped.
func WithIDs(ctx context.Context, runID, workflowID string) context.Context {
	outer := idsFrom(ctx)
	c := ids{run: runID, workflow: workflowID}
	if outer.run != "" && outer.run != runID {
		c.parent = outer.run
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

// RunID returns the run ID in ctx, or "".
func RunID(ctx context.Context) string { return idsFrom(ctx).run }

// ParentRunID returns the ID of the run that started the current one, or "".
func ParentRunID(ctx context.Context) string { return idsFrom(ctx).parent }

// WorkflowID returns the workflow ID in ctx, or "".
func WorkflowID(ctx context.Context) string { return idsFrom(ctx).workflow }

// StepID returns the step ID in ctx, or "".
func StepID(ctx context.Context) string { return idsFrom(ctx).step }

// LogWith binds the correlation IDs in ctx to logger, for code that logs
// without passing a context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := idsFrom(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation IDs of the record's context to
// every record. Keys already bound with Logger.With are not repeated.
type CorrelationHandler struct {
	inner slog.Handler
	bound map[string]bool
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range idsFrom(ctx).attrs() {
		if !h.bound[a.Key] {
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound, cloned := h.bound, false
	for _, a := range attrs {
		switch a.Key {
		case KeyRunID, KeyParentRunID, KeyWorkflowID, KeyStepID:
			if !cloned {
				bound, cloned = cloneKeys(h.bound), true
			}
			bound[a.Key] = true
		}
	}
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name), bound: h.bound}
}

func cloneKeys(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
