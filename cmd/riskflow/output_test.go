package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/rendis/riskflow/internal/streaming"
	"github.com/rendis/riskflow/pkg/schema"
)

func sampleResult() *schema.WorkflowExecutionResult {
	return &schema.WorkflowExecutionResult{
		RunID:  "run-1",
		Status: schema.RunStatusFailed,
		Steps: map[string]*schema.StepResult{
			"fetch":  {StepID: "fetch", Status: schema.StepStatusSucceeded, Risk: schema.RiskNetworkAccess, Attempts: 2, Recovered: true, RecoveredBy: "retry"},
			"deploy": {StepID: "deploy", Status: schema.StepStatusFailed, Risk: schema.RiskSystemChanges, Attempts: 1, Error: schema.NewError(schema.ErrCodeExecutionFailed, "exit status 1")},
			"notify": {StepID: "notify", Status: schema.StepStatusSkipped},
			"audit":  {StepID: "audit", Status: schema.StepStatusPending},
		},
		Errors:        []string{"[EXECUTION_FAILED] exit status 1"},
		StepsExecuted: 2,
		TotalSteps:    4,
		Completion:    []string{"fetch", "deploy"},
		Elapsed:       1234567 * time.Microsecond,
	}
}

func TestStepOrder(t *testing.T) {
	assert.Equal(t, []string{"fetch", "deploy", "audit", "notify"}, stepOrder(sampleResult()))
}

func TestPrintResult(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printResult(&buf, sampleResult())
	out := buf.String()

	assert.Contains(t, out, "fetch                succeeded [network_access] (2 attempts) recovered by retry\n")
	assert.Contains(t, out, "deploy               failed [system_changes]\n")
	assert.Contains(t, out, "exit status 1")
	assert.Contains(t, out, "run run-1 failed: 2/4 steps in 1.235s\n")
	assert.Contains(t, out, "  - [EXECUTION_FAILED] exit status 1\n")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("fetch")), bytes.Index(buf.Bytes(), []byte("deploy")))
}

func TestPrintRollback(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printRollback(&buf, nil)
	assert.Equal(t, "nothing to roll back\n", buf.String())

	buf.Reset()
	printRollback(&buf, []schema.RollbackResult{
		{StepID: "mk", Command: "rmdir /tmp/x", Risk: schema.RiskSystemChanges, Success: true},
		{StepID: "cp", Command: "rm /tmp/y", Risk: schema.RiskDestructive, Error: "blocked"},
	})
	assert.Contains(t, buf.String(), "rollback mk           ok [system_changes] rmdir /tmp/x")
	assert.Contains(t, buf.String(), "rollback cp           failed [destructive] rm /tmp/y")
	assert.Contains(t, buf.String(), "blocked")
}

func TestTriggerDetail(t *testing.T) {
	assert.Equal(t, `"open the pod bay doors"`, triggerDetail(schema.Trigger{Type: schema.TriggerVoice, Command: "open the pod bay doors"}))
	assert.Equal(t, "0 3 * * *", triggerDetail(schema.Trigger{Type: schema.TriggerScheduled, Cron: "0 3 * * *"}))
	assert.Equal(t, "disk.low if payload.free < 5", triggerDetail(schema.Trigger{Type: schema.TriggerEvent, Event: "disk.low", Filter: "payload.free < 5"}))
	assert.Equal(t, "disk.low", triggerDetail(schema.Trigger{Type: schema.TriggerEvent, Event: "disk.low"}))
	assert.Equal(t, "", triggerDetail(schema.Trigger{Type: schema.TriggerManual}))
}

func TestPrintProgress(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local).UnixMilli()

	printProgress(&buf, &schema.Event{RunID: "r", StepID: "build", Type: schema.EventStepRetrying, Timestamp: ts})
	printProgress(&buf, &schema.Event{RunID: "r", Type: schema.EventRunRetry, Timestamp: ts})

	assert.Equal(t, "03:04:05 build                retrying\n03:04:05                      run_retry\n", buf.String())
}

func TestAppWatch(t *testing.T) {
	color.NoColor = true
	a := &app{events: streaming.NewHub()}
	var buf bytes.Buffer

	stop := a.watch(&buf, "run-1")
	a.events.Publish(&schema.Event{RunID: "run-1", StepID: "a", Type: schema.EventStepStarted})
	a.events.Publish(&schema.Event{RunID: "run-1", StepID: "a", Type: schema.EventRiskClassified})
	a.events.Publish(&schema.Event{RunID: "run-2", StepID: "b", Type: schema.EventStepStarted})
	a.events.Publish(&schema.Event{RunID: "run-1", StepID: "a", Type: schema.EventStepSucceeded})
	stop()

	out := buf.String()
	assert.Contains(t, out, "a                    started\n")
	assert.Contains(t, out, "a                    succeeded\n")
	assert.NotContains(t, out, "classified")
	assert.NotContains(t, out, " b ")
	assert.Equal(t, 0, a.events.Len())
}
