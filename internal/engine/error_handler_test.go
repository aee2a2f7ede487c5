package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/pkg/schema"
)

func failure(code string, attempts int) Failure {
	return Failure{StepID: "s1", Err: schema.NewError(code, "it broke").WithStep("s1"), Attempts: attempts}
}

func budgets() Budgets {
	return Budgets{AlternativesUsed: map[string]bool{}}
}

var fallbackStrategy = schema.ErrorStrategy{
	Strategy: schema.StrategyFallback,
	Fallback: &schema.WorkflowStep{ID: "notify", Action: &schema.ExecuteCommand{Command: "echo failed"}},
}

func TestDecide_FatalAlwaysStops(t *testing.T) {
	handlers := []*schema.ErrorHandling{
		nil,
		{Strategy: schema.HandlingContinue},
		{Strategy: schema.HandlingRetry, MaxAttempts: 5},
		{Strategy: schema.HandlingAlternative, Step: "alt"},
	}
	for _, code := range []string{
		schema.ErrCodePolicyBlocked,
		schema.ErrCodeConfirmationDenied,
		schema.ErrCodeRevisionRequested,
		schema.ErrCodeCancelled,
	} {
		for _, h := range handlers {
			d := Decide(failure(code, 1), h, fallbackStrategy, budgets())
			assert.Equal(t, ActionStop, d.Action, "code %s", code)
			assert.Equal(t, code, d.Err.Code)
		}
	}
}

func TestDecide_StepContinue(t *testing.T) {
	d := Decide(failure(schema.ErrCodeExecutionFailed, 1), &schema.ErrorHandling{Strategy: schema.HandlingContinue}, schema.ErrorStrategy{}, budgets())
	assert.Equal(t, ActionContinue, d.Action)
	assert.Nil(t, d.Err)
}

func TestDecide_StepStop(t *testing.T) {
	f := failure(schema.ErrCodeExecutionFailed, 1)
	d := Decide(f, &schema.ErrorHandling{Strategy: schema.HandlingStop}, schema.ErrorStrategy{Strategy: schema.StrategyContinue}, budgets())
	assert.Equal(t, ActionStop, d.Action)
	assert.Same(t, f.Err, d.Err)
}

func TestDecide_StepRetry(t *testing.T) {
	h := &schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 3, Delay: "100ms", Backoff: "exponential"}

	d := Decide(failure(schema.ErrCodeExecutionFailed, 1), h, schema.ErrorStrategy{}, budgets())
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 100*time.Millisecond, d.Delay)
	assert.False(t, d.RunRetry)

	d = Decide(failure(schema.ErrCodeTimedOut, 2), h, schema.ErrorStrategy{}, budgets())
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 200*time.Millisecond, d.Delay)

	d = Decide(failure(schema.ErrCodeExecutionFailed, 3), h, schema.ErrorStrategy{}, budgets())
	assert.Equal(t, ActionStop, d.Action)
	require.NotNil(t, d.Err)
	assert.Equal(t, schema.ErrCodeRetryExhausted, d.Err.Code)
	assert.Equal(t, "s1", d.Err.StepID)
}

func TestDecide_StepRetryIgnoresWorkflowRetry(t *testing.T) {
	h := &schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 2}
	s := schema.ErrorStrategy{Strategy: schema.StrategyRetry, Retries: 10}
	b := budgets()
	b.RunRetriesLeft = 10

	d := Decide(failure(schema.ErrCodeExecutionFailed, 2), h, s, b)
	assert.Equal(t, ActionStop, d.Action)
	assert.Equal(t, schema.ErrCodeRetryExhausted, d.Err.Code)
}

func TestDecide_StepRetryExhaustedFallsBack(t *testing.T) {
	h := &schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 2}

	d := Decide(failure(schema.ErrCodeExecutionFailed, 2), h, fallbackStrategy, budgets())
	assert.Equal(t, ActionFallback, d.Action)
	assert.Equal(t, schema.ErrCodeRetryExhausted, d.Err.Code)

	b := budgets()
	b.FallbackUsed = true
	d = Decide(failure(schema.ErrCodeExecutionFailed, 2), h, fallbackStrategy, b)
	assert.Equal(t, ActionStop, d.Action)
}

func TestDecide_StepRetryNonRetryable(t *testing.T) {
	h := &schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 5}
	for _, code := range []string{schema.ErrCodeValidation, schema.ErrCodeType, schema.ErrCodeConflict} {
		d := Decide(failure(code, 1), h, schema.ErrorStrategy{}, budgets())
		assert.Equal(t, ActionStop, d.Action, code)
		assert.Equal(t, code, d.Err.Code)
	}
}

func TestDecide_StepAlternative(t *testing.T) {
	h := &schema.ErrorHandling{Strategy: schema.HandlingAlternative, Step: "alt"}

	d := Decide(failure(schema.ErrCodeExecutionFailed, 1), h, schema.ErrorStrategy{}, budgets())
	assert.Equal(t, ActionAlternative, d.Action)
	assert.Equal(t, "alt", d.Target)

	b := budgets()
	b.AlternativesUsed["alt"] = true
	d = Decide(failure(schema.ErrCodeExecutionFailed, 1), h, schema.ErrorStrategy{}, b)
	assert.Equal(t, ActionStop, d.Action)
}

func TestDecide_WorkflowStrategies(t *testing.T) {
	d := Decide(failure(schema.ErrCodeExecutionFailed, 1), nil, schema.ErrorStrategy{}, budgets())
	assert.Equal(t, ActionStop, d.Action, "stop is the default")

	d = Decide(failure(schema.ErrCodeExecutionFailed, 1), nil, schema.ErrorStrategy{Strategy: schema.StrategyContinue}, budgets())
	assert.Equal(t, ActionContinue, d.Action)

	d = Decide(failure(schema.ErrCodeExecutionFailed, 1), nil, fallbackStrategy, budgets())
	assert.Equal(t, ActionFallback, d.Action)
	assert.Equal(t, schema.ErrCodeExecutionFailed, d.Err.Code)

	b := budgets()
	b.FallbackUsed = true
	d = Decide(failure(schema.ErrCodeExecutionFailed, 1), nil, fallbackStrategy, b)
	assert.Equal(t, ActionStop, d.Action)
}

func TestDecide_WorkflowRetryBudget(t *testing.T) {
	s := schema.ErrorStrategy{Strategy: schema.StrategyRetry, Retries: 2}
	b := budgets()
	b.RunRetriesLeft = 1

	d := Decide(failure(schema.ErrCodeExecutionFailed, 1), nil, s, b)
	assert.Equal(t, ActionRetry, d.Action)
	assert.True(t, d.RunRetry)

	b.RunRetriesLeft = 0
	d = Decide(failure(schema.ErrCodeExecutionFailed, 2), nil, s, b)
	assert.Equal(t, ActionStop, d.Action)
	assert.Equal(t, schema.ErrCodeRetryExhausted, d.Err.Code)

	d = Decide(failure(schema.ErrCodeValidation, 1), nil, s, budgets())
	assert.Equal(t, ActionStop, d.Action)
	assert.Equal(t, schema.ErrCodeValidation, d.Err.Code)
}
