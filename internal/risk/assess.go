package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/riskflow/pkg/schema"
)

// Assess returns the tier of a step action as written. Command and script
// text should be re-classified after variable substitution; Assess is the
// static view used for plan previews and validation warnings.
func Assess(action schema.Action) schema.RiskTier {
	switch a := action.(type) {
	case *schema.ExecuteCommand:
		return Classify(a.Command)
	case *schema.RunScript:
		return ClassifyScript(a.ScriptType, a.Content)
	case *schema.BrowserStep:
		return AssessBrowser(a.Action)
	case *schema.IntegrationCall:
		return schema.RiskNetworkAccess
	case *schema.RunWorkflow:
		return schema.RiskSafeOperations
	case *schema.Conditional, *schema.Wait, *schema.SetVariable, *schema.UserPrompt:
		return schema.RiskInfoOnly
	default:
		return schema.RiskUnknown
	}
}

// AssessBrowser returns the tier of a browser action. Navigation reaches the
// network and injected scripts can do anything.
func AssessBrowser(a schema.BrowserAction) schema.RiskTier {
	switch a.Kind {
	case schema.BrowserNavigate:
		return schema.RiskNetworkAccess
	case schema.BrowserExecuteScript:
		return schema.RiskUnknown
	case schema.BrowserClick, schema.BrowserType, schema.BrowserWaitForElement,
		schema.BrowserScreenshot, schema.BrowserGetText, schema.BrowserScroll:
		return schema.RiskSafeOperations
	default:
		return schema.RiskUnknown
	}
}

// sandboxViolations are rejected outright in sandboxed scripts.
var sandboxViolations = []struct {
	name string
	re   *regexp.Regexp
}{
	{"recursive delete", regexp.MustCompile(`rm\s+-[a-zA-Z]*[rR][a-zA-Z]*`)},
	{"privilege escalation", regexp.MustCompile(`(^|[\s;&|])sudo(\s|$)`)},
	{"world-writable permissions", regexp.MustCompile(`chmod\s+(-R\s+)?777`)},
	{"filesystem format", regexp.MustCompile(`mkfs`)},
	{"raw disk copy", regexp.MustCompile(`dd\s+if=`)},
	{"device write", regexp.MustCompile(`>\s*/dev/`)},
	{"remote script execution", regexp.MustCompile(`(curl|wget)[^\n|]*\|\s*(ba|z)?sh`)},
	{"eval", regexp.MustCompile(`(^|[^A-Za-z_])eval(\s|\()`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

// SandboxViolations lists the dangerous constructs found in script content.
// Redirection to /dev/null is tolerated.
func SandboxViolations(content string) []string {
	scan := strings.ReplaceAll(content, "/dev/null", "")
	var out []string
	for _, v := range sandboxViolations {
		if v.re.MatchString(scan) {
			out = append(out, v.name)
		}
	}
	return out
}

// rollbackRules derive an undo command from a command's shape.
var rollbackRules = []struct {
	re      *regexp.Regexp
	rewrite func(m []string) string
}{
	{regexp.MustCompile(`^mkdir\s+(?:-p\s+)?(\S+)$`), func(m []string) string { return "rmdir " + m[1] }},
	{regexp.MustCompile(`^touch\s+(\S+)$`), func(m []string) string { return "rm -f " + m[1] }},
	{regexp.MustCompile(`^cp\s+(?:-[a-zA-Z]+\s+)?\S+\s+(\S+)$`), func(m []string) string { return "rm -f " + m[1] }},
	{regexp.MustCompile(`^mv\s+(\S+)\s+(\S+)$`), func(m []string) string { return "mv " + m[2] + " " + m[1] }},
	{regexp.MustCompile(`^git\s+clone\s+\S+\s+(\S+)$`), func(m []string) string { return "rm -rf " + m[1] }},
}

// SuggestRollback returns an undo command for simple reversible commands, or
// "" when none can be derived.
func SuggestRollback(command string) string {
	cmd := strings.TrimSpace(command)
	for _, r := range rollbackRules {
		if m := r.re.FindStringSubmatch(cmd); m != nil {
			return r.rewrite(m)
		}
	}
	return ""
}

// Enhance returns a copy of plan with missing risk levels and rollback
// commands filled in, plus an assessment of the plan as a whole. A declared
// risk level is only ever raised, never lowered, by classification.
func Enhance(plan schema.Plan) (schema.Plan, schema.PlanAssessment) {
	out := plan
	out.Steps = make([]schema.PlanStep, len(plan.Steps))
	assessment := schema.PlanAssessment{OverallRisk: schema.RiskInfoOnly}

	for i, step := range plan.Steps {
		classified := Classify(step.Command)
		step.RiskLevel = schema.MaxTier(step.RiskLevel, classified)
		if step.RollbackCommand == "" {
			step.RollbackCommand = SuggestRollback(step.Command)
		}
		out.Steps[i] = step

		assessment.OverallRisk = schema.MaxTier(assessment.OverallRisk, step.RiskLevel)
		switch step.RiskLevel {
		case schema.RiskDestructive:
			assessment.SafetyConcerns = append(assessment.SafetyConcerns,
				fmt.Sprintf("step %s is destructive: %s", step.ID, step.Command))
		case schema.RiskUnknown:
			assessment.SafetyConcerns = append(assessment.SafetyConcerns,
				fmt.Sprintf("step %s has an unrecognized command: %s", step.ID, step.Command))
		case schema.RiskNetworkAccess:
			assessment.NetworkRequired = true
		}
		for _, v := range SandboxViolations(step.Command) {
			assessment.SafetyConcerns = append(assessment.SafetyConcerns,
				fmt.Sprintf("step %s contains %s", step.ID, v))
		}
	}
	return out, assessment
}
