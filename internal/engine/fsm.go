package engine

import (
	"context"
	"slices"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/pkg/schema"
)

// ValidStepTransitions defines the allowed state transitions for steps.
// failed and timed_out may go back to running when the step is retried.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusTimedOut},
	schema.StepStatusFailed:    {schema.StepStatusRunning},
	schema.StepStatusTimedOut:  {schema.StepStatusRunning},
	schema.StepStatusSucceeded: {},
	schema.StepStatusSkipped:   {},
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusNotStarted: {schema.RunStatusRunning},
	schema.RunStatusRunning:    {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted:  {},
	schema.RunStatusFailed:     {},
}

// StepFSM validates step transitions and emits the matching event.
type StepFSM struct {
	emit dispatch.EventFunc
}

// NewStepFSM creates a StepFSM that reports transitions through emit.
func NewStepFSM(emit dispatch.EventFunc) *StepFSM {
	return &StepFSM{emit: emit}
}

// Transition validates from → to and emits the event for the new state.
// payload may be nil.
func (f *StepFSM) Transition(ctx context.Context, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	if f.emit != nil {
		f.emit(ctx, stepEventType(from, to), stepID, payload)
	}
	return nil
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		if from == schema.StepStatusPending {
			return schema.EventStepStarted
		}
		return schema.EventStepRetrying
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusTimedOut:
		return schema.EventStepTimedOut
	default:
		return schema.EventStepSkipped
	}
}

// RunFSM validates run transitions and emits the matching event.
type RunFSM struct {
	emit   dispatch.EventFunc
	status schema.RunStatus
}

// NewRunFSM creates a RunFSM in the not_started state.
func NewRunFSM(emit dispatch.EventFunc) *RunFSM {
	return &RunFSM{emit: emit, status: schema.RunStatusNotStarted}
}

// Status returns the current run state.
func (f *RunFSM) Status() schema.RunStatus {
	return f.status
}

// Transition moves the run to the given state.
func (f *RunFSM) Transition(ctx context.Context, to schema.RunStatus, payload map[string]any) error {
	if !slices.Contains(ValidRunTransitions[f.status], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", f.status, to).
			WithDetails(map[string]any{"from": string(f.status), "to": string(to)})
	}
	f.status = to
	if f.emit != nil {
		f.emit(ctx, runEventType(to), "", payload)
	}
	return nil
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	default:
		return schema.EventRunFailed
	}
}
