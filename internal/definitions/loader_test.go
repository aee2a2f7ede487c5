package definitions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/pkg/schema"
)

const workflowYAML = `
name: nightly-backup
description: dump and ship
trigger:
  type: scheduled
  cron: "0 3 * * *"
variables:
  target:
    kind: static
    value: /var/backups
steps:
  - id: dump
    type: execute_command
    params:
      command: pg_dump app > ${target}/app.sql
    timeout: 10m
    on_error:
      strategy: retry
      max_attempts: 3
      delay: 5s
  - id: ship
    type: execute_command
    params:
      command: rsync -a ${target} backup:/srv
error_handling:
  strategy: continue
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatOf("wf.yaml"))
	assert.Equal(t, FormatYAML, FormatOf("WF.YML"))
	assert.Equal(t, FormatJSON, FormatOf("wf.json"))
	assert.Equal(t, FormatAuto, FormatOf("wf"))
}

func TestParseWorkflow_YAML(t *testing.T) {
	wf, err := newLoader(t).ParseWorkflow([]byte(workflowYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "nightly-backup", wf.Name)
	assert.True(t, wf.Enabled, "enabled defaults to true")
	assert.Equal(t, schema.TriggerScheduled, wf.Trigger.Type)
	assert.Equal(t, "0 3 * * *", wf.Trigger.Cron)
	assert.Equal(t, schema.StrategyContinue, wf.ErrorHandling.Kind())
	require.Len(t, wf.Steps, 2)

	dump, ok := wf.Steps[0].Action.(*schema.ExecuteCommand)
	require.True(t, ok)
	assert.Equal(t, "pg_dump app > ${target}/app.sql", dump.Command)
	require.NotNil(t, wf.Steps[0].OnError)
	assert.Equal(t, 3, wf.Steps[0].OnError.MaxAttempts)
	assert.Equal(t, "10m", wf.Steps[0].Timeout)

	target := wf.Variables["target"]
	require.NotNil(t, target.Value)
	assert.Equal(t, "/var/backups", target.Value.Text())
}

func TestParseWorkflow_ExplicitlyDisabled(t *testing.T) {
	doc := `{"name":"off","enabled":false,"steps":[{"id":"a","type":"wait","params":{"duration":"1s"}}]}`
	wf, err := newLoader(t).ParseWorkflow([]byte(doc), FormatAuto)
	require.NoError(t, err)
	assert.False(t, wf.Enabled)
}

func TestParseWorkflow_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing steps", "name: x\n"},
		{"unknown step type", "name: x\nsteps:\n  - id: a\n    type: teleport\n"},
		{"unknown field", "name: x\nsteps:\n  - id: a\n    type: wait\n    colour: red\n"},
		{"bad duration", "name: x\nsteps:\n  - id: a\n    type: wait\n    timeout: soon\n"},
		{"not yaml", "name: [unclosed\n"},
		{"empty", "   \n"},
	}
	l := newLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ParseWorkflow([]byte(tt.doc), FormatAuto)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestParsePlan(t *testing.T) {
	doc := `
id: cleanup
steps:
  - id: list
    command: ls /tmp/build
    risk_level: info_only
  - id: remove
    command: rm -rf /tmp/build
    dependencies: [list]
    rollback_command: mkdir -p /tmp/build
`
	plan, err := newLoader(t).ParsePlan([]byte(doc), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", plan.ID)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, schema.RiskInfoOnly, plan.Steps[0].RiskLevel)
	assert.Equal(t, []string{"list"}, plan.Steps[1].Dependencies)
	assert.Equal(t, "mkdir -p /tmp/build", plan.Steps[1].RollbackCommand)

	_, err = newLoader(t).ParsePlan([]byte(`{"steps":[{"id":"a"}]}`), FormatJSON)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err), "command is required")
}

func TestLoadWorkflowFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.yml")
	require.NoError(t, os.WriteFile(path, []byte(workflowYAML), 0o644))

	wf, err := newLoader(t).LoadWorkflowFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-backup", wf.Name)

	_, err = newLoader(t).LoadWorkflowFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	l := newLoader(t)
	wf, err := l.ParseWorkflow([]byte(workflowYAML), FormatYAML)
	require.NoError(t, err)

	out, err := MarshalYAML(wf)
	require.NoError(t, err)
	assert.Contains(t, string(out), "type: execute_command")

	again, err := l.ParseWorkflow(out, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, wf.Steps, again.Steps)
	assert.Equal(t, wf.Trigger, again.Trigger)
}

func TestNormalize_NonStringKeys(t *testing.T) {
	doc := map[any]any{1: "one", "nested": []any{map[any]any{true: "yes"}}}
	got := normalize(doc)
	assert.Equal(t, map[string]any{"1": "one", "nested": []any{map[string]any{"true": "yes"}}}, got)
}
