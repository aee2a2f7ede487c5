package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/riskflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// StepSnapshot is the state of one step rebuilt from the audit log.
type StepSnapshot struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Recovered   bool              `json:"recovered,omitempty"`
	Risk        string            `json:"risk,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The sequence set by the caller is replaced.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event == nil || event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires a run id")
	}
	payload, err := encodePayload(event.Payload)
	if err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin event tx", err)
	}
	defer tx.Rollback()

	seq, err := reserveSequence(ctx, tx, event.RunID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, nullStr(event.StepID), event.Type, payload, event.Timestamp, seq,
	); err != nil {
		return storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	event.Sequence = seq
	return nil
}

// reserveSequence takes the database write lock and returns the next
// sequence of the run. A deferred transaction only locks on its first
// write, so a throwaway write comes before the read.
func reserveSequence(ctx context.Context, tx *sql.Tx, runID string) (int64, error) {
	for _, stmt := range []string{
		`INSERT OR IGNORE INTO schema_version (version, name, applied_at) VALUES (-1, 'event_lock', 0)`,
		`DELETE FROM schema_version WHERE version = -1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, storeErr("lock event log", err)
		}
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return 0, storeErr("next event sequence", err)
	}
	return seq, nil
}

func encodePayload(p map[string]any) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return string(raw), nil
}

// ReplayEvents rebuilds the step states of a run from its events. A gap in
// the sequence is a STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepSnapshot, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*StepSnapshot)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}
		ss := states[e.StepID]
		if ss == nil {
			ss = &StepSnapshot{StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}
		ss.apply(e)
	}
	return states, nil
}

// apply folds one step event into the snapshot.
func (ss *StepSnapshot) apply(e *schema.Event) {
	at := time.UnixMilli(e.Timestamp).UTC()
	switch e.Type {
	case schema.EventStepStarted:
		ss.Status = schema.StepStatusRunning
		ss.Attempts++
		ss.Error = ""
		if ss.StartedAt == nil {
			ss.StartedAt = &at
		}
	case schema.EventStepSucceeded:
		ss.Status = schema.StepStatusSucceeded
		ss.finish(at)
	case schema.EventStepTimedOut:
		ss.Status = schema.StepStatusTimedOut
		ss.fail(e, at)
	case schema.EventStepFailed, schema.EventResourceLeak:
		ss.Status = schema.StepStatusFailed
		ss.fail(e, at)
	case schema.EventStepSkipped:
		ss.Status = schema.StepStatusSkipped
	case schema.EventStepRecovered:
		ss.Recovered = true
	case schema.EventRiskClassified:
		if tier, ok := e.Payload["tier"].(string); ok {
			ss.Risk = tier
		}
	}
}

func (ss *StepSnapshot) fail(e *schema.Event, at time.Time) {
	if msg, ok := e.Payload["error"].(string); ok {
		ss.Error = msg
	}
	ss.finish(at)
}

func (ss *StepSnapshot) finish(at time.Time) {
	ss.CompletedAt = &at
	if ss.StartedAt != nil {
		ss.DurationMs = at.Sub(*ss.StartedAt).Milliseconds()
	}
}
