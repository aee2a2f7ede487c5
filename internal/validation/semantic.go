package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/pkg/schema"
)

// maxRecommendedAttempts is the retry count above which a warning is issued.
const maxRecommendedAttempts = 10

// validateWorkflowSemantic checks everything about a workflow except its
// dependency graph: required fields, references between steps, durations,
// triggers and expressions.
func (v *Validator) validateWorkflowSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if strings.TrimSpace(wf.Name) == "" {
		result.AddError("name", schema.IssueRequired, "workflow name is required")
	}
	if len(wf.Steps) == 0 {
		result.AddError("steps", schema.IssueEmpty, "workflow has no steps")
		return result
	}

	stepIDs := make(map[string]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		switch {
		case strings.TrimSpace(s.ID) == "":
			result.AddError(path+".id", schema.IssueRequired, "step id is required")
		case stepIDs[s.ID]:
			result.AddErrorf(path+".id", schema.IssueDuplicateID, "duplicate step id %q", s.ID)
		}
		stepIDs[s.ID] = true
	}

	v.validateTrigger(wf.Trigger, result)
	for name, b := range wf.Variables {
		v.validateBinding(b, "variables."+name, nil, result)
	}

	for i := range wf.Steps {
		s := &wf.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		v.validateStep(wf, s, path, stepIDs, result)

		for j, dep := range s.DependsOn {
			depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
			switch {
			case dep == s.ID:
				result.AddErrorf(depPath, schema.IssueSelfRef, "step %q depends on itself", s.ID)
			case !stepIDs[dep]:
				result.AddErrorf(depPath, schema.IssueUnknownRef, "references non-existent step %q", dep)
			}
		}
		v.validateHandling(s, path, stepIDs, result)
	}

	v.validateStrategy(wf, stepIDs, result)
	return result
}

// validateStep checks one step and, recursively, its conditional branches.
func (v *Validator) validateStep(wf *schema.Workflow, s *schema.WorkflowStep, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	if s.Timeout != "" {
		if _, err := schema.ParseDuration(s.Timeout); err != nil {
			result.AddErrorf(path+".timeout", schema.IssueInvalidDuration, "invalid timeout %q", s.Timeout)
		}
	}
	for name, b := range s.Inputs {
		v.validateBinding(b, path+".inputs."+name, stepIDs, result)
	}

	switch a := s.Action.(type) {
	case nil:
		result.AddError(path+".type", schema.IssueRequired, "step type is required")

	case *schema.ExecuteCommand:
		if strings.TrimSpace(a.Command) == "" {
			result.AddError(path+".params.command", schema.IssueRequired, "command is required")
			break
		}
		if risk.Classify(a.Command) == schema.RiskDestructive {
			result.AddWarning(path+".params.command", schema.IssueInvalidValue,
				"command is classified destructive and is blocked in safe mode")
		}

	case *schema.RunScript:
		validateScript(a, path+".params", result)

	case *schema.BrowserStep:
		validateBrowserAction(a.Action, path+".params.action", result)

	case *schema.IntegrationCall:
		if strings.TrimSpace(a.Service) == "" {
			result.AddError(path+".params.service", schema.IssueRequired, "integration service is required")
		}

	case *schema.Conditional:
		v.validateCondition(a.Condition, path+".params.condition", result)
		if a.Then == nil {
			result.AddError(path+".params.then", schema.IssueRequired, "conditional requires a then branch")
		} else {
			v.validateStep(wf, a.Then, path+".params.then", stepIDs, result)
		}
		if a.Else != nil {
			v.validateStep(wf, a.Else, path+".params.else", stepIDs, result)
		}

	case *schema.Wait:
		validateDurationTemplate(a.Duration, path+".params.duration", result)

	case *schema.SetVariable:
		if strings.TrimSpace(a.Name) == "" {
			result.AddError(path+".params.name", schema.IssueRequired, "variable name is required")
		}

	case *schema.UserPrompt:
		if strings.TrimSpace(a.Text) == "" {
			result.AddError(path+".params.text", schema.IssueRequired, "prompt text is required")
		}

	case *schema.RunWorkflow:
		switch {
		case strings.TrimSpace(a.WorkflowID) == "":
			result.AddError(path+".params.workflow_id", schema.IssueRequired, "workflow_id is required")
		case wf.ID != "" && a.WorkflowID == wf.ID:
			result.AddErrorf(path+".params.workflow_id", schema.IssueSelfRef, "workflow %q runs itself", wf.ID)
		}
	}
}

func validateScript(a *schema.RunScript, path string, result *schema.ValidationResult) {
	switch a.ScriptType {
	case schema.ScriptBash, schema.ScriptPython, schema.ScriptJavaScript, schema.ScriptRuby,
		schema.ScriptPowerShell, schema.ScriptRust:
	case schema.ScriptCustom:
		if strings.TrimSpace(a.Interpreter) == "" {
			result.AddError(path+".interpreter", schema.IssueRequired, "custom scripts need an interpreter")
		}
	case "":
		result.AddError(path+".script_type", schema.IssueRequired, "script_type is required")
	default:
		result.AddErrorf(path+".script_type", schema.IssueInvalidValue, "unknown script type %q", a.ScriptType)
	}

	if strings.TrimSpace(a.Content) == "" {
		result.AddError(path+".content", schema.IssueRequired, "script content is required")
	}
	switch a.SecurityLevel {
	case "", schema.SecuritySandboxed, schema.SecurityTrusted, schema.SecurityIsolated:
	default:
		result.AddErrorf(path+".security_level", schema.IssueInvalidValue, "unknown security level %q", a.SecurityLevel)
	}
	if a.Timeout != "" {
		if _, err := schema.ParseDuration(a.Timeout); err != nil {
			result.AddErrorf(path+".timeout", schema.IssueInvalidDuration, "invalid timeout %q", a.Timeout)
		}
	}

	level := a.SecurityLevel
	if level == "" {
		level = schema.SecuritySandboxed
	}
	if level == schema.SecuritySandboxed {
		if found := risk.SandboxViolations(a.Content); len(found) > 0 {
			result.AddErrorf(path+".content", schema.IssueInvalidValue,
				"sandboxed script uses forbidden patterns: %s", strings.Join(found, ", "))
		}
	}
}

func validateBrowserAction(a schema.BrowserAction, path string, result *schema.ValidationResult) {
	need := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			result.AddErrorf(path+"."+field, schema.IssueRequired, "%s requires %s", a.Kind, field)
		}
	}
	switch a.Kind {
	case schema.BrowserNavigate:
		need("url", a.URL)
	case schema.BrowserClick, schema.BrowserWaitForElement, schema.BrowserGetText:
		need("selector", a.Selector)
	case schema.BrowserType:
		need("selector", a.Selector)
	case schema.BrowserExecuteScript:
		need("script", a.Script)
	case schema.BrowserScreenshot, schema.BrowserScroll:
	case "":
		result.AddError(path+".kind", schema.IssueRequired, "browser action kind is required")
	default:
		result.AddErrorf(path+".kind", schema.IssueInvalidValue, "unknown browser action %q", a.Kind)
	}
}

func (v *Validator) validateCondition(c schema.Condition, path string, result *schema.ValidationResult) {
	if strings.TrimSpace(c.Variable) == "" {
		result.AddError(path+".variable", schema.IssueRequired, "condition variable is required")
	}
	switch c.Operator {
	case schema.OpEquals, schema.OpNotEquals, schema.OpContains, schema.OpStartsWith, schema.OpEndsWith:
	case schema.OpGreaterThan, schema.OpLessThan:
		if s, ok := c.Value.Str(); ok && !strings.Contains(s, "${") {
			result.AddWarning(path+".value", schema.IssueInvalidValue,
				fmt.Sprintf("%s compares numbers but the value is the string %q", c.Operator, s))
		}
	case "":
		result.AddError(path+".operator", schema.IssueRequired, "condition operator is required")
	default:
		result.AddErrorf(path+".operator", schema.IssueInvalidValue, "unknown operator %q", c.Operator)
	}
}

// validateBinding checks a variable binding. stepIDs is nil for workflow
// variables, which may not reference step outputs.
func (v *Validator) validateBinding(b schema.Variable, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	switch b.Kind {
	case schema.VarStatic:
		if b.Value == nil {
			result.AddError(path+".value", schema.IssueRequired, "static binding needs a value")
		}
	case schema.VarDynamic:
		if strings.TrimSpace(b.Expression) == "" {
			result.AddError(path+".expression", schema.IssueRequired, "dynamic binding needs an expression")
		} else if v.engines != nil {
			if err := v.engines.Expr.Check(b.Expression); err != nil {
				result.AddErrorf(path+".expression", schema.IssueInvalidExpr, "invalid expression: %v", err)
			}
		}
	case schema.VarContext:
		if b.Key == "" {
			result.AddError(path+".key", schema.IssueRequired, "context binding needs a key")
		}
	case schema.VarIntegration:
		if b.Service == "" {
			result.AddError(path+".service", schema.IssueRequired, "integration binding needs a service")
		}
		if b.Key == "" {
			result.AddError(path+".key", schema.IssueRequired, "integration binding needs a key")
		}
	case schema.VarStepOutput:
		switch {
		case stepIDs == nil:
			result.AddError(path+".kind", schema.IssueInvalidValue, "step_output bindings are only valid as step inputs")
		case b.Step == "":
			result.AddError(path+".step", schema.IssueRequired, "step_output binding needs a step")
		case !stepIDs[b.Step]:
			result.AddErrorf(path+".step", schema.IssueUnknownRef, "references non-existent step %q", b.Step)
		}
	case "":
		result.AddError(path+".kind", schema.IssueRequired, "binding kind is required")
	default:
		result.AddErrorf(path+".kind", schema.IssueInvalidValue, "unknown binding kind %q", b.Kind)
	}
}

func (v *Validator) validateTrigger(t schema.Trigger, result *schema.ValidationResult) {
	switch t.Type {
	case "", schema.TriggerManual:
	case schema.TriggerVoice:
		if strings.TrimSpace(t.Command) == "" {
			result.AddError("trigger.command", schema.IssueRequired, "voice trigger needs a command phrase")
		}
	case schema.TriggerScheduled:
		if _, err := ParseCron(t.Cron); err != nil {
			result.AddErrorf("trigger.cron", schema.IssueInvalidCron, "invalid cron expression %q: %v", t.Cron, err)
		}
	case schema.TriggerEvent:
		if strings.TrimSpace(t.Event) == "" {
			result.AddError("trigger.event", schema.IssueRequired, "event trigger needs an event name")
		}
		if t.Filter != "" && v.engines != nil {
			if err := v.engines.CEL.Check(t.Filter); err != nil {
				result.AddErrorf("trigger.filter", schema.IssueInvalidExpr, "invalid filter: %v", err)
			}
		}
	default:
		result.AddErrorf("trigger.type", schema.IssueInvalidValue, "unknown trigger type %q", t.Type)
	}
}

func (v *Validator) validateHandling(s *schema.WorkflowStep, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	h := s.OnError
	if h == nil {
		return
	}
	path += ".on_error"
	switch h.Strategy {
	case schema.HandlingContinue, schema.HandlingStop:
	case schema.HandlingRetry:
		if h.MaxAttempts < 1 {
			result.AddError(path+".max_attempts", schema.IssueInvalidValue, "retry needs max_attempts of at least 1")
		} else if h.MaxAttempts > maxRecommendedAttempts {
			result.AddWarning(path+".max_attempts", schema.IssueInvalidValue,
				fmt.Sprintf("high retry count (%d) may cause long delays", h.MaxAttempts))
		}
		for field, value := range map[string]string{"delay": h.Delay, "max_delay": h.MaxDelay} {
			if value == "" {
				continue
			}
			if _, err := schema.ParseDuration(value); err != nil {
				result.AddErrorf(path+"."+field, schema.IssueInvalidDuration, "invalid %s %q", field, value)
			}
		}
		switch h.Backoff {
		case "", "constant", "linear", "exponential":
		default:
			result.AddErrorf(path+".backoff", schema.IssueInvalidValue, "unknown backoff %q", h.Backoff)
		}
	case schema.HandlingAlternative:
		switch {
		case h.Step == "":
			result.AddError(path+".step", schema.IssueRequired, "alternative needs a step")
		case h.Step == s.ID:
			result.AddErrorf(path+".step", schema.IssueSelfRef, "step %q names itself as its alternative", s.ID)
		case !stepIDs[h.Step]:
			result.AddErrorf(path+".step", schema.IssueUnknownRef, "references non-existent step %q", h.Step)
		}
	case "":
		result.AddError(path+".strategy", schema.IssueRequired, "error handling strategy is required")
	default:
		result.AddErrorf(path+".strategy", schema.IssueInvalidValue, "unknown strategy %q", h.Strategy)
	}
}

func (v *Validator) validateStrategy(wf *schema.Workflow, stepIDs map[string]bool, result *schema.ValidationResult) {
	es := wf.ErrorHandling
	switch es.Kind() {
	case schema.StrategyStop, schema.StrategyContinue:
	case schema.StrategyRetry:
		if es.Retries < 1 {
			result.AddError("error_handling.retries", schema.IssueInvalidValue, "retry strategy needs at least 1 retry")
		}
	case schema.StrategyFallback:
		if es.Fallback == nil {
			result.AddError("error_handling.fallback", schema.IssueRequired, "fallback strategy needs a fallback step")
			return
		}
		if es.Fallback.ID != "" && stepIDs[es.Fallback.ID] {
			result.AddErrorf("error_handling.fallback.id", schema.IssueDuplicateID,
				"fallback step id %q collides with a workflow step", es.Fallback.ID)
		}
		v.validateStep(wf, es.Fallback, "error_handling.fallback", stepIDs, result)
	default:
		result.AddErrorf("error_handling.strategy", schema.IssueInvalidValue, "unknown strategy %q", es.Strategy)
	}
}

// validatePlanSemantic checks plan fields; dependencies are checked by
// validatePlanGraph.
func validatePlanSemantic(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(plan.Steps) == 0 {
		result.AddError("steps", schema.IssueEmpty, "plan has no steps")
		return result
	}

	seen := make(map[string]bool, len(plan.Steps))
	for i, s := range plan.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		switch {
		case strings.TrimSpace(s.ID) == "":
			result.AddError(path+".id", schema.IssueRequired, "step id is required")
		case seen[s.ID]:
			result.AddErrorf(path+".id", schema.IssueDuplicateID, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		if strings.TrimSpace(s.Command) == "" {
			result.AddError(path+".command", schema.IssueRequired, "command is required")
		}
		if s.RiskLevel != "" && !s.RiskLevel.Valid() {
			result.AddErrorf(path+".risk_level", schema.IssueInvalidValue, "unknown risk level %q", s.RiskLevel)
		}
		if s.Timeout != "" {
			if _, err := schema.ParseDuration(s.Timeout); err != nil {
				result.AddErrorf(path+".timeout", schema.IssueInvalidDuration, "invalid timeout %q", s.Timeout)
			}
		}
		if s.Command != "" && s.RiskLevel != "" && s.RiskLevel.Valid() {
			if classified := risk.Classify(s.Command); classified.Rank() > s.RiskLevel.Rank() {
				result.AddWarning(path+".risk_level", schema.IssueInvalidValue,
					fmt.Sprintf("declared %s but the command classifies as %s; the stricter tier applies", s.RiskLevel, classified))
			}
		}
	}
	return result
}

// validateDurationTemplate accepts durations that are resolved at run time.
func validateDurationTemplate(value, path string, result *schema.ValidationResult) {
	if strings.TrimSpace(value) == "" {
		result.AddError(path, schema.IssueRequired, "duration is required")
		return
	}
	if strings.Contains(value, "${") {
		return
	}
	if _, err := schema.ParseDuration(value); err != nil {
		result.AddErrorf(path, schema.IssueInvalidDuration, "invalid duration %q", value)
	}
}
