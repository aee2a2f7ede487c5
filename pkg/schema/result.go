package schema

import "time"

// StepStatus is the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusTimedOut  StepStatus = "timed_out"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether s is a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusTimedOut, StepStatusSkipped:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// StepResult is the recorded outcome of one step in a run.
type StepResult struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Risk        RiskTier       `json:"risk,omitempty"`
	Decision    Decision       `json:"decision,omitempty"`
	Attempts    int            `json:"attempts"`
	Recovered   bool           `json:"recovered,omitempty"`
	RecoveredBy string         `json:"recovered_by,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	Command     string         `json:"command,omitempty"`
	Rollback    string         `json:"rollback,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
}

// WorkflowExecutionResult is the aggregate result of a run. Errors lists
// every failure in order, including recovered ones.
type WorkflowExecutionResult struct {
	RunID         string                    `json:"run_id"`
	WorkflowID    string                    `json:"workflow_id,omitempty"`
	PlanID        string                    `json:"plan_id,omitempty"`
	Status        RunStatus                 `json:"status"`
	Success       bool                      `json:"success"`
	Steps         map[string]*StepResult    `json:"steps"`
	Outputs       map[string]map[string]any `json:"outputs"`
	Errors        []string                  `json:"errors"`
	Error         *Error                    `json:"error,omitempty"`
	StepsExecuted int                       `json:"steps_executed"`
	TotalSteps    int                       `json:"total_steps"`
	Completion    []string                  `json:"completion_order,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	CompletedAt   time.Time                 `json:"completed_at"`
	Elapsed       time.Duration             `json:"elapsed"`
}

// RollbackResult describes the outcome of rolling back one step.
type RollbackResult struct {
	StepID  string   `json:"step_id"`
	Command string   `json:"command"`
	Risk    RiskTier `json:"risk"`
	Success bool     `json:"success"`
	Output  string   `json:"output,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// RunRecord is the persisted summary of a finished run.
type RunRecord struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	PlanID      string    `json:"plan_id,omitempty"`
	Status      RunStatus `json:"status"`
	Success     bool      `json:"success"`
	Errors      []string  `json:"errors,omitempty"`
	Result      []byte    `json:"result,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
