package schema

// Event type constants for the run audit log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepTimedOut  = "step_timed_out"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepRecovered = "step_recovered"

	EventRiskClassified       = "risk_classified"
	EventPolicyBlocked        = "policy_blocked"
	EventConfirmationAsked    = "confirmation_requested"
	EventConfirmationResolved = "confirmation_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventVariableSet        = "variable_set"
	EventWaitStarted        = "wait_started"
	EventWaitCompleted      = "wait_completed"

	EventErrorHandlerInvoked = "error_handler_invoked"
	EventFallbackInvoked     = "fallback_invoked"
	EventRunRetry            = "run_retry"
	EventRollbackStep        = "rollback_step"
	EventResourceLeak        = "resource_leak"
)

// Event is an entry of the append-only run audit log.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix millis
}
