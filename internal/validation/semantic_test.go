package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	return NewValidator(engines)
}

func errorCodes(r *schema.ValidationResult) []string {
	codes := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		codes[i] = e.Code
	}
	return codes
}

func validWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:    "wf-1",
		Name:  "deploy",
		Steps: []schema.WorkflowStep{cmdStep("build"), cmdStep("test")},
	}
}

func TestSemantic_Valid(t *testing.T) {
	result := newTestValidator(t).validateWorkflowSemantic(validWorkflow())
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestSemantic_NameAndSteps(t *testing.T) {
	result := newTestValidator(t).validateWorkflowSemantic(&schema.Workflow{})
	assert.Equal(t, []string{schema.IssueRequired, schema.IssueEmpty}, errorCodes(result))
}

func TestSemantic_StepIDs(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps, cmdStep("build"), cmdStep(""))
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.Equal(t, []string{schema.IssueDuplicateID, schema.IssueRequired}, errorCodes(result))
	assert.Equal(t, "steps[2].id", result.Errors[0].Path)
}

func TestSemantic_MissingAction(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = nil
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].type", result.Errors[0].Path)
}

func TestSemantic_DependsOn(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[1].DependsOn = []string{"test", "ghost"}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.Equal(t, []string{schema.IssueSelfRef, schema.IssueUnknownRef}, errorCodes(result))
	assert.Equal(t, "steps[1].depends_on[1]", result.Errors[1].Path)
}

func TestSemantic_Timeouts(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Timeout = "soon"
	wf.Steps[1].Timeout = "90"
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.IssueInvalidDuration, result.Errors[0].Code)
	assert.Equal(t, "steps[0].timeout", result.Errors[0].Path)
}

func TestSemantic_DestructiveCommandWarns(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.ExecuteCommand{Command: "rm -rf /var/lib/app"}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "destructive")
}

func TestSemantic_Scripts(t *testing.T) {
	tests := []struct {
		name   string
		script schema.RunScript
		path   string
	}{
		{"missing type", schema.RunScript{Content: "echo"}, "steps[0].params.script_type"},
		{"unknown type", schema.RunScript{ScriptType: "cobol", Content: "x"}, "steps[0].params.script_type"},
		{"custom without interpreter", schema.RunScript{ScriptType: schema.ScriptCustom, Content: "x"}, "steps[0].params.interpreter"},
		{"empty content", schema.RunScript{ScriptType: schema.ScriptBash}, "steps[0].params.content"},
		{"sandbox violation", schema.RunScript{ScriptType: schema.ScriptBash, Content: "sudo reboot"}, "steps[0].params.content"},
		{"unknown security level", schema.RunScript{ScriptType: schema.ScriptBash, Content: "ls", SecurityLevel: "open"}, "steps[0].params.security_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			script := tt.script
			wf.Steps[0].Action = &script
			result := newTestValidator(t).validateWorkflowSemantic(wf)
			require.Len(t, result.Errors, 1, "%v", result.Errors)
			assert.Equal(t, tt.path, result.Errors[0].Path)
		})
	}
}

func TestSemantic_TrustedScriptSkipsSandboxCheck(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.RunScript{ScriptType: schema.ScriptBash, Content: "sudo reboot", SecurityLevel: schema.SecurityTrusted}
	assert.True(t, newTestValidator(t).validateWorkflowSemantic(wf).Valid())
}

func TestSemantic_BrowserActions(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserNavigate}}
	wf.Steps[1].Action = &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserClick, Selector: "#go"}}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].params.action.url", result.Errors[0].Path)
}

func TestSemantic_ConditionalBranches(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.Conditional{
		Condition: schema.Condition{Variable: "env", Operator: schema.OpEquals, Value: schema.StringValue("prod")},
		Then:      &schema.WorkflowStep{ID: "then", Action: &schema.ExecuteCommand{}},
		Else:      &schema.WorkflowStep{ID: "else", Action: &schema.Wait{Duration: "${delay}"}},
	}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].params.then.params.command", result.Errors[0].Path)
}

func TestSemantic_ConditionalRequiresThen(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.Conditional{Condition: schema.Condition{Variable: "x", Operator: "like"}}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.Equal(t, []string{schema.IssueInvalidValue, schema.IssueRequired}, errorCodes(result))
}

func TestSemantic_NumericComparisonWarning(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.Conditional{
		Condition: schema.Condition{Variable: "count", Operator: schema.OpGreaterThan, Value: schema.StringValue("many")},
		Then:      &schema.WorkflowStep{ID: "then", Action: &schema.ExecuteCommand{Command: "echo"}},
	}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 1)
}

func TestSemantic_RunWorkflowSelfReference(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Action = &schema.RunWorkflow{WorkflowID: "wf-1"}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.Equal(t, []string{schema.IssueSelfRef}, errorCodes(result))
}

func TestSemantic_Bindings(t *testing.T) {
	wf := validWorkflow()
	wf.Variables = map[string]schema.Variable{
		"bad_expr": {Kind: schema.VarDynamic, Expression: "1 +"},
		"good":     {Kind: schema.VarDynamic, Expression: "env == 'prod' ? 3 : 1"},
		"no_step":  {Kind: schema.VarStepOutput, Step: "build"},
	}
	wf.Steps[1].Inputs = map[string]schema.Variable{
		"artifact": {Kind: schema.VarStepOutput, Step: "build", Key: "stdout"},
		"missing":  {Kind: schema.VarStepOutput, Step: "ghost"},
	}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.ElementsMatch(t, []string{schema.IssueInvalidExpr, schema.IssueInvalidValue, schema.IssueUnknownRef}, errorCodes(result))
}

func TestSemantic_BindingsWithoutEngines(t *testing.T) {
	wf := validWorkflow()
	wf.Variables = map[string]schema.Variable{"x": {Kind: schema.VarDynamic, Expression: "1 +"}}
	assert.True(t, NewValidator(nil).validateWorkflowSemantic(wf).Valid())
}

func TestSemantic_Triggers(t *testing.T) {
	tests := []struct {
		name    string
		trigger schema.Trigger
		code    string
	}{
		{"manual", schema.Trigger{Type: schema.TriggerManual}, ""},
		{"voice without phrase", schema.Trigger{Type: schema.TriggerVoice}, schema.IssueRequired},
		{"cron", schema.Trigger{Type: schema.TriggerScheduled, Cron: "*/5 * * * *"}, ""},
		{"cron descriptor", schema.Trigger{Type: schema.TriggerScheduled, Cron: "@hourly"}, ""},
		{"bad cron", schema.Trigger{Type: schema.TriggerScheduled, Cron: "every minute"}, schema.IssueInvalidCron},
		{"event filter", schema.Trigger{Type: schema.TriggerEvent, Event: "push", Filter: `payload.branch == "main"`}, ""},
		{"bad event filter", schema.Trigger{Type: schema.TriggerEvent, Event: "push", Filter: "payload.branch =="}, schema.IssueInvalidExpr},
		{"unknown", schema.Trigger{Type: "webhook"}, schema.IssueInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			wf.Trigger = tt.trigger
			result := newTestValidator(t).validateWorkflowSemantic(wf)
			if tt.code == "" {
				assert.True(t, result.Valid(), "%v", result.Errors)
				return
			}
			assert.Equal(t, []string{tt.code}, errorCodes(result))
		})
	}
}

func TestSemantic_StepHandling(t *testing.T) {
	tests := []struct {
		name     string
		handling schema.ErrorHandling
		codes    []string
	}{
		{"retry", schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 3, Delay: "1s", Backoff: "exponential"}, nil},
		{"retry without attempts", schema.ErrorHandling{Strategy: schema.HandlingRetry}, []string{schema.IssueInvalidValue}},
		{"retry bad delay", schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 2, Delay: "later"}, []string{schema.IssueInvalidDuration}},
		{"retry bad backoff", schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 2, Backoff: "fibonacci"}, []string{schema.IssueInvalidValue}},
		{"alternative", schema.ErrorHandling{Strategy: schema.HandlingAlternative, Step: "test"}, nil},
		{"alternative self", schema.ErrorHandling{Strategy: schema.HandlingAlternative, Step: "build"}, []string{schema.IssueSelfRef}},
		{"alternative unknown", schema.ErrorHandling{Strategy: schema.HandlingAlternative, Step: "ghost"}, []string{schema.IssueUnknownRef}},
		{"missing strategy", schema.ErrorHandling{}, []string{schema.IssueRequired}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			h := tt.handling
			wf.Steps[0].OnError = &h
			result := newTestValidator(t).validateWorkflowSemantic(wf)
			if tt.codes == nil {
				assert.True(t, result.Valid(), "%v", result.Errors)
				return
			}
			assert.Equal(t, tt.codes, errorCodes(result))
		})
	}
}

func TestSemantic_HighRetryCountWarning(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].OnError = &schema.ErrorHandling{Strategy: schema.HandlingRetry, MaxAttempts: 25}
	result := newTestValidator(t).validateWorkflowSemantic(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "25")
}

func TestSemantic_WorkflowStrategy(t *testing.T) {
	v := newTestValidator(t)

	wf := validWorkflow()
	wf.ErrorHandling = schema.ErrorStrategy{Strategy: schema.StrategyRetry}
	assert.Equal(t, []string{schema.IssueInvalidValue}, errorCodes(v.validateWorkflowSemantic(wf)))

	wf.ErrorHandling = schema.ErrorStrategy{Strategy: schema.StrategyFallback}
	assert.Equal(t, []string{schema.IssueRequired}, errorCodes(v.validateWorkflowSemantic(wf)))

	fallback := cmdStep("build")
	wf.ErrorHandling = schema.ErrorStrategy{Strategy: schema.StrategyFallback, Fallback: &fallback}
	assert.Equal(t, []string{schema.IssueDuplicateID}, errorCodes(v.validateWorkflowSemantic(wf)))

	fallback = cmdStep("page-oncall")
	assert.True(t, v.validateWorkflowSemantic(wf).Valid())

	wf.ErrorHandling = schema.ErrorStrategy{Strategy: "panic"}
	assert.Equal(t, []string{schema.IssueInvalidValue}, errorCodes(v.validateWorkflowSemantic(wf)))
}

// --- plans ---

func TestPlanSemantic(t *testing.T) {
	plan := &schema.Plan{Steps: []schema.PlanStep{
		{ID: "1", Command: "ls", RiskLevel: schema.RiskInfoOnly},
		{ID: "1", Command: "", RiskLevel: "scary", Timeout: "never"},
		{ID: "3", Command: "rm -rf /srv/data", RiskLevel: schema.RiskSafeOperations},
	}}
	result := validatePlanSemantic(plan)
	assert.Equal(t, []string{
		schema.IssueDuplicateID, schema.IssueRequired, schema.IssueInvalidValue, schema.IssueInvalidDuration,
	}, errorCodes(result))
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[2].risk_level", result.Warnings[0].Path)
}

func TestPlanSemantic_Empty(t *testing.T) {
	result := validatePlanSemantic(&schema.Plan{})
	assert.Equal(t, []string{schema.IssueEmpty}, errorCodes(result))
}
