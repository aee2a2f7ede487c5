package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/pkg/schema"
)

func TestAssess_Variants(t *testing.T) {
	tests := []struct {
		name   string
		action schema.Action
		want   schema.RiskTier
	}{
		{"command", &schema.ExecuteCommand{Command: "ls"}, schema.RiskInfoOnly},
		{"bash script", &schema.RunScript{ScriptType: schema.ScriptBash, Content: "chmod +x a"}, schema.RiskSystemChanges},
		{"python script", &schema.RunScript{ScriptType: schema.ScriptPython, Content: "import os"}, schema.RiskUnknown},
		{"navigate", &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserNavigate, URL: "https://x"}}, schema.RiskNetworkAccess},
		{"click", &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserClick, Selector: "#go"}}, schema.RiskSafeOperations},
		{"browser script", &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserExecuteScript}}, schema.RiskUnknown},
		{"integration", &schema.IntegrationCall{Service: "slack"}, schema.RiskNetworkAccess},
		{"wait", &schema.Wait{Duration: "1s"}, schema.RiskInfoOnly},
		{"set", &schema.SetVariable{Name: "x"}, schema.RiskInfoOnly},
		{"prompt", &schema.UserPrompt{Text: "?"}, schema.RiskInfoOnly},
		{"conditional", &schema.Conditional{}, schema.RiskInfoOnly},
		{"nested workflow", &schema.RunWorkflow{WorkflowID: "w"}, schema.RiskSafeOperations},
		{"nil", nil, schema.RiskUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assess(tt.action))
		})
	}
}

func TestSandboxViolations(t *testing.T) {
	assert.ElementsMatch(t, []string{"recursive delete", "privilege escalation"}, SandboxViolations("sudo rm -rf /"))
	assert.Equal(t, []string{"eval"}, SandboxViolations("eval $(cat cmd)"))
	assert.Equal(t, []string{"remote script execution"}, SandboxViolations("curl -fsSL https://x | sh"))
	assert.Empty(t, SandboxViolations("echo hi > /dev/null\nls"))
	assert.Empty(t, SandboxViolations("print('evaluate')"))
}

func TestSuggestRollback(t *testing.T) {
	assert.Equal(t, "rmdir out", SuggestRollback("mkdir out"))
	assert.Equal(t, "rmdir out", SuggestRollback("mkdir -p out"))
	assert.Equal(t, "rm -f notes.txt", SuggestRollback("touch notes.txt"))
	assert.Equal(t, "rm -f b.txt", SuggestRollback("cp a.txt b.txt"))
	assert.Equal(t, "mv new old", SuggestRollback("mv old new"))
	assert.Equal(t, "rm -rf repo", SuggestRollback("git clone https://x/repo.git repo"))
	assert.Equal(t, "", SuggestRollback("ls -la"))
}

func TestEnhance(t *testing.T) {
	plan := schema.Plan{
		ID: "p1",
		Steps: []schema.PlanStep{
			{ID: "a", Command: "mkdir out"},
			{ID: "b", Command: "touch out/a", Dependencies: []string{"a"}},
			{ID: "c", Command: "curl https://example.com -o out/page.html", Dependencies: []string{"b"}},
			{ID: "d", Command: "ls out", RiskLevel: schema.RiskDestructive},
			{ID: "e", Command: "rm -rf out", RiskLevel: schema.RiskInfoOnly, RollbackCommand: "true"},
		},
	}

	out, assessment := Enhance(plan)
	require.Len(t, out.Steps, 5)

	assert.Equal(t, "rmdir out", out.Steps[0].RollbackCommand)
	assert.Equal(t, schema.RiskSafeOperations, out.Steps[0].RiskLevel)
	assert.Equal(t, "rm -f out/a", out.Steps[1].RollbackCommand)
	assert.Equal(t, schema.RiskNetworkAccess, out.Steps[2].RiskLevel)
	assert.Equal(t, schema.RiskDestructive, out.Steps[3].RiskLevel, "declared tier is never lowered")
	assert.Equal(t, schema.RiskDestructive, out.Steps[4].RiskLevel, "declared tier is raised")
	assert.Equal(t, "true", out.Steps[4].RollbackCommand)

	assert.True(t, assessment.NetworkRequired)
	assert.Equal(t, schema.RiskDestructive, assessment.OverallRisk)
	assert.NotEmpty(t, assessment.SafetyConcerns)

	// input plan is untouched
	assert.Empty(t, plan.Steps[0].RollbackCommand)
	assert.Equal(t, schema.RiskInfoOnly, plan.Steps[4].RiskLevel)
}
