package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/riskflow/pkg/schema"
)

// eventSink numbers the events of one run and hands them to the appender
// and observer. Appending never fails a run; errors are logged.
type eventSink struct {
	runID    string
	seq      atomic.Int64
	appender EventAppender
	observe  func(*schema.Event)
	logger   *slog.Logger
}

func newEventSink(runID string, appender EventAppender, observe func(*schema.Event), logger *slog.Logger) *eventSink {
	return &eventSink{runID: runID, appender: appender, observe: observe, logger: logger}
}

// emit satisfies dispatch.EventFunc.
func (s *eventSink) emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	ev := &schema.Event{
		ID:        uuid.NewString(),
		RunID:     s.runID,
		Sequence:  s.seq.Add(1),
		Type:      eventType,
		StepID:    stepID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if s.observe != nil {
		s.observe(ev)
	}
	if s.appender == nil {
		return
	}
	// events of a cancelled run are still recorded
	if err := s.appender.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("append event", "run_id", s.runID, "type", eventType, "error", err)
	}
}
