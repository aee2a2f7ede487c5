package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithStepID(WithWorkflowID(WithRunID(ctx, "run-9"), "wf-1"), "fetch")
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "fetch", StepID(ctx))
	assert.Equal(t, "", ParentRunID(ctx))
}

func TestWithIDs_Nested(t *testing.T) {
	outer := WithStepID(WithIDs(context.Background(), "run-outer", "wf-outer"), "call-child")
	inner := WithIDs(outer, "run-inner", "wf-inner")

	assert.Equal(t, "run-inner", RunID(inner))
	assert.Equal(t, "run-outer", ParentRunID(inner))
	assert.Equal(t, "wf-inner", WorkflowID(inner))
	assert.Equal(t, "", StepID(inner), "outer step does not leak into the nested run")

	// The outer context is unchanged.
	assert.Equal(t, "call-child", StepID(outer))

	same := WithIDs(inner, "run-inner", "wf-inner")
	assert.Equal(t, "", ParentRunID(same))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithStepID(WithIDs(context.Background(), "run-abc", "wf-abc"), "step-x")
	LogWith(ctx, logger).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-abc")
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.Contains(t, out, "step_id=step-x")
	assert.NotContains(t, out, "parent_run_id")
}

func TestLogWith_EmptyContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LogWith(context.Background(), logger))
}

func TestCorrelationHandler_InjectsFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf)

	logger.InfoContext(WithStepID(WithIDs(context.Background(), "run-1", "wf-1"), "build"), "step log")
	logger.InfoContext(context.Background(), "bare log")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"run_id":"run-1"`)
	assert.Contains(t, lines[0], `"workflow_id":"wf-1"`)
	assert.Contains(t, lines[0], `"step_id":"build"`)
	assert.NotContains(t, lines[1], "run_id")
}

func TestCorrelationHandler_NoDuplicateWithLogWith(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithIDs(context.Background(), "run-1", "wf-1")

	LogWith(ctx, jsonLogger(&buf)).InfoContext(ctx, "once")

	assert.Equal(t, 1, strings.Count(buf.String(), `"run_id"`))
	assert.Equal(t, 1, strings.Count(buf.String(), `"workflow_id"`))
}

func TestCorrelationHandler_WithAttrsKeepsOtherKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf).With("component", "engine", KeyRunID, "bound")

	logger.InfoContext(WithIDs(context.Background(), "from-ctx", "wf-2"), "mixed")

	out := buf.String()
	assert.Contains(t, out, `"component":"engine"`)
	assert.Contains(t, out, `"run_id":"bound"`)
	assert.NotContains(t, out, "from-ctx")
	assert.Contains(t, out, `"workflow_id":"wf-2"`)
}

func TestCorrelationHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf).WithGroup("engine")

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-grp"), "grouped", "key", "val")

	assert.Contains(t, buf.String(), "wf-grp")
	assert.Contains(t, buf.String(), "grouped")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.InfoContext(context.Background(), "dropped")
	logger.WarnContext(WithRunID(context.Background(), "r1"), "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"run_id":"r1"`)

	buf.Reset()
	New(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
