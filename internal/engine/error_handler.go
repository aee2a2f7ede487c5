package engine

import (
	"time"

	"github.com/rendis/riskflow/pkg/schema"
)

// Action is what the run does next after a step failure.
type Action string

const (
	ActionStop        Action = "stop"
	ActionContinue    Action = "continue"
	ActionRetry       Action = "retry"
	ActionAlternative Action = "alternative"
	ActionFallback    Action = "fallback"
)

// Failure describes a failed or timed-out attempt.
type Failure struct {
	StepID   string
	Err      *schema.Error
	Attempts int // attempts made so far, including the failed one
}

// Budgets is the run-wide recovery state consulted by Decide.
type Budgets struct {
	RunRetriesLeft   int
	FallbackUsed     bool
	AlternativesUsed map[string]bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	// Delay is the wait before a retry.
	Delay time.Duration
	// Target is the alternative step to run.
	Target string
	// RunRetry marks a retry paid from the workflow's retry budget.
	RunRetry bool
	// Err is the error that halts the run for ActionStop and ActionFallback.
	Err    *schema.Error
	Reason string
}

// Decide applies step-level handling, or the workflow strategy when the step
// has none, to a failure. Fatal errors always stop the run.
func Decide(f Failure, h *schema.ErrorHandling, s schema.ErrorStrategy, b Budgets) Decision {
	if schema.IsFatal(f.Err) {
		return Decision{Action: ActionStop, Err: f.Err, Reason: "fatal error"}
	}
	if h != nil {
		return decideStep(f, h, s, b)
	}
	return decideWorkflow(f, s, b)
}

func decideStep(f Failure, h *schema.ErrorHandling, s schema.ErrorStrategy, b Budgets) Decision {
	switch h.Strategy {
	case schema.HandlingContinue:
		return Decision{Action: ActionContinue, Reason: "step handling is continue"}

	case schema.HandlingRetry:
		if !schema.IsRetryable(f.Err) {
			return exhausted(f.Err, s, b, "error is not retryable")
		}
		if f.Attempts < h.MaxAttempts {
			return Decision{
				Action: ActionRetry,
				Delay:  ComputeBackoff(h, f.Attempts-1),
				Reason: "step handling is retry",
			}
		}
		err := schema.NewErrorf(schema.ErrCodeRetryExhausted, "gave up after %d attempts: %s", f.Attempts, f.Err.Message).
			WithStep(f.StepID).WithCause(f.Err)
		return exhausted(err, s, b, "retry attempts exhausted")

	case schema.HandlingAlternative:
		if h.Step == "" || b.AlternativesUsed[h.Step] {
			return Decision{Action: ActionStop, Err: f.Err, Reason: "alternative already used"}
		}
		return Decision{Action: ActionAlternative, Target: h.Step, Reason: "step handling is alternative"}

	default:
		return Decision{Action: ActionStop, Err: f.Err, Reason: "step handling is stop"}
	}
}

// exhausted is the end of a step retry: the workflow fallback if one is
// still available, a stop otherwise.
func exhausted(err *schema.Error, s schema.ErrorStrategy, b Budgets, reason string) Decision {
	if s.Kind() == schema.StrategyFallback && s.Fallback != nil && !b.FallbackUsed {
		return Decision{Action: ActionFallback, Err: err, Reason: reason + ", running workflow fallback"}
	}
	return Decision{Action: ActionStop, Err: err, Reason: reason}
}

func decideWorkflow(f Failure, s schema.ErrorStrategy, b Budgets) Decision {
	switch s.Kind() {
	case schema.StrategyContinue:
		return Decision{Action: ActionContinue, Reason: "workflow strategy is continue"}

	case schema.StrategyRetry:
		if !schema.IsRetryable(f.Err) {
			return Decision{Action: ActionStop, Err: f.Err, Reason: "error is not retryable"}
		}
		if b.RunRetriesLeft <= 0 {
			err := schema.NewErrorf(schema.ErrCodeRetryExhausted, "workflow retry budget of %d exhausted: %s", s.Retries, f.Err.Message).
				WithStep(f.StepID).WithCause(f.Err)
			return Decision{Action: ActionStop, Err: err, Reason: "workflow retry budget exhausted"}
		}
		return Decision{Action: ActionRetry, RunRetry: true, Reason: "workflow strategy is retry"}

	case schema.StrategyFallback:
		if s.Fallback == nil || b.FallbackUsed {
			return Decision{Action: ActionStop, Err: f.Err, Reason: "fallback already used"}
		}
		return Decision{Action: ActionFallback, Err: f.Err, Reason: "workflow strategy is fallback"}

	default:
		return Decision{Action: ActionStop, Err: f.Err, Reason: "workflow strategy is stop"}
	}
}
