package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/internal/variables"
	"github.com/rendis/riskflow/pkg/schema"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProcess struct {
	mu       sync.Mutex
	commands []string
	scripts  []schema.RunScript
	result   ProcessResult
	block    bool
}

func (f *fakeProcess) RunCommand(ctx context.Context, req CommandRequest) (*ProcessResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, req.Command)
	f.mu.Unlock()
	return f.finish(ctx, req.Command)
}

func (f *fakeProcess) RunScript(ctx context.Context, req ScriptRequest) (*ProcessResult, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, req.Script)
	f.mu.Unlock()
	return f.finish(ctx, string(req.Script.ScriptType))
}

func (f *fakeProcess) finish(ctx context.Context, command string) (*ProcessResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res := f.result
	res.Command = command
	return &res, nil
}

func (f *fakeProcess) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeBrowser struct {
	session string
	action  schema.BrowserAction
}

func (f *fakeBrowser) Perform(_ context.Context, sessionID string, action schema.BrowserAction) (*BrowserResult, error) {
	f.session, f.action = sessionID, action
	return &BrowserResult{Success: true, PageContent: "hello"}, nil
}

type fakeIntegrations struct {
	service, method string
	params          map[string]any
	err             error
}

func (f *fakeIntegrations) Call(_ context.Context, service, method string, params map[string]any) (any, error) {
	f.service, f.method, f.params = service, method, params
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"ok": true}, nil
}

type fakePrompter struct{ text string }

func (f *fakePrompter) Prompt(_ context.Context, _, text string) (string, error) {
	f.text = text
	return "yes", nil
}

type fakeRunner struct {
	depth int
	vars  map[string]schema.VariableValue
	res   *schema.WorkflowExecutionResult
}

func (f *fakeRunner) RunNested(ctx context.Context, _ string, vars map[string]schema.VariableValue) (*schema.WorkflowExecutionResult, error) {
	f.depth, f.vars = Depth(ctx), vars
	return f.res, nil
}

type harness struct {
	d       *Dispatcher
	proc    *fakeProcess
	run     *variables.Context
	events  *eventLog
	guard   *PolicyGuard
	confirm *scriptedConfirmer
}

func newHarness(t *testing.T, cfg Config, declared map[string]schema.Variable) *harness {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	proc := &fakeProcess{}
	if cfg.Process == nil {
		cfg.Process = proc
	}
	h := &harness{
		d:       New(variables.NewResolver(engines, cfg.Integrations), cfg),
		proc:    proc,
		run:     variables.NewContext("run-1", declared, nil),
		events:  &eventLog{},
		confirm: &scriptedConfirmer{},
	}
	h.guard = &PolicyGuard{RunID: "run-1", Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(h.confirm), Events: h.events.fn()}
	return h
}

func (h *harness) dispatch(step *schema.WorkflowStep) Outcome {
	return h.d.Dispatch(context.Background(), step, Env{Run: h.run, Guard: h.guard, Emit: h.events.fn()})
}

func step(id string, action schema.Action) *schema.WorkflowStep {
	return &schema.WorkflowStep{ID: id, Action: action}
}

func static(v schema.VariableValue) schema.Variable { return schema.Static(v) }

// ---------------------------------------------------------------------------
// Commands and scripts
// ---------------------------------------------------------------------------

func TestDispatch_CommandOutput(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"dir": static(schema.StringValue("/tmp"))})
	h.proc.result = ProcessResult{Stdout: "a\nb\n"}

	oc := h.dispatch(step("list", &schema.ExecuteCommand{Command: "ls ${dir}"}))
	require.Nil(t, oc.Err)
	assert.Equal(t, schema.StepStatusSucceeded, oc.Status)
	assert.Equal(t, schema.RiskInfoOnly, oc.Risk)
	assert.Equal(t, "ls /tmp", oc.Command)
	assert.Equal(t, []string{"ls /tmp"}, h.proc.ran())
	assert.Equal(t, map[string]any{
		"command": "ls /tmp", "exit_code": 0, "stdout": "a\nb\n", "stderr": "", "success": true,
	}, oc.Output)
}

func TestDispatch_NonZeroExitFails(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.proc.result = ProcessResult{ExitCode: 2, Stderr: "no such file"}

	oc := h.dispatch(step("s", &schema.ExecuteCommand{Command: "ls /missing"}))
	assert.Equal(t, schema.StepStatusFailed, oc.Status)
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeExecutionFailed, oc.Err.Code)
	assert.Equal(t, "s", oc.Err.StepID)
	assert.Equal(t, false, oc.Output["success"])
}

func TestDispatch_ClassifiesSubstitutedText(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"target": static(schema.StringValue("-rf /var/lib/app"))})

	oc := h.dispatch(step("s", &schema.ExecuteCommand{Command: "rm ${target}"}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodePolicyBlocked, oc.Err.Code)
	assert.Equal(t, schema.RiskDestructive, oc.Risk)
	assert.Empty(t, h.proc.ran(), "blocked command must never reach the executor")
}

func TestDispatch_UndefinedReference(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.dispatch(step("s", &schema.ExecuteCommand{Command: "echo ${nope}"}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeUndefinedReference, oc.Err.Code)
	assert.Empty(t, h.proc.ran())
}

func TestDispatch_EditedCommandRuns(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.confirm.responses = []ConfirmationResponse{{Verdict: schema.VerdictEdit, Command: "ls /etc"}}

	oc := h.dispatch(step("s", &schema.ExecuteCommand{Command: "chmod 777 /etc/hosts"}))
	require.Nil(t, oc.Err)
	assert.Equal(t, []string{"ls /etc"}, h.proc.ran())
	assert.Equal(t, "ls /etc", oc.Command)
}

func TestDispatch_Timeout(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.proc.block = true

	s := step("slow", &schema.ExecuteCommand{Command: "ls"})
	s.Timeout = "50ms"
	start := time.Now()
	oc := h.dispatch(s)
	assert.Equal(t, schema.StepStatusTimedOut, oc.Status)
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeTimedOut, oc.Err.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatch_DefaultTimeoutAppliesToProcesses(t *testing.T) {
	h := newHarness(t, Config{DefaultTimeout: 50 * time.Millisecond}, nil)
	h.proc.block = true

	oc := h.dispatch(step("slow", &schema.ExecuteCommand{Command: "ls"}))
	assert.Equal(t, schema.StepStatusTimedOut, oc.Status)
}

func TestDispatch_ParentCancelIsNotTimeout(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.proc.block = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	s := step("slow", &schema.ExecuteCommand{Command: "ls"})
	s.Timeout = "10s"

	oc := h.d.Dispatch(ctx, s, Env{Run: h.run, Guard: h.guard})
	assert.Equal(t, schema.StepStatusFailed, oc.Status)
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeCancelled, oc.Err.Code)
}

func TestDispatch_InvalidTimeout(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	s := step("s", &schema.ExecuteCommand{Command: "ls"})
	s.Timeout = "soon"

	oc := h.dispatch(s)
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeValidation, oc.Err.Code)
}

func TestDispatcher_TimeoutFor(t *testing.T) {
	d := New(nil, Config{DefaultTimeout: time.Minute})

	s := step("s", &schema.RunScript{ScriptType: schema.ScriptBash, Timeout: "30s"})
	s.Timeout = "45s"
	got, err := d.timeoutFor(s)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, got)

	got, err = d.timeoutFor(step("w", &schema.Wait{Duration: "5m"}))
	require.NoError(t, err)
	assert.Zero(t, got, "default timeout only bounds process steps")
}

func TestDispatch_ScriptResolvesAllButContent(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"name": static(schema.StringValue("world"))})

	oc := h.dispatch(step("s", &schema.RunScript{
		ScriptType:    schema.ScriptBash,
		Content:       "echo ${HOME}",
		Arguments:     []string{"${name}"},
		Environment:   map[string]string{"GREETING": "hello ${name}"},
		SecurityLevel: schema.SecurityTrusted,
	}))
	require.Nil(t, oc.Err)
	require.Len(t, h.proc.scripts, 1)
	got := h.proc.scripts[0]
	assert.Equal(t, "echo ${HOME}", got.Content)
	assert.Equal(t, []string{"world"}, got.Arguments)
	assert.Equal(t, "hello world", got.Environment["GREETING"])
}

func TestDispatch_SandboxedScriptRejected(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.dispatch(step("s", &schema.RunScript{
		ScriptType: schema.ScriptBash,
		Content:    "echo cleaning\nsudo rm -rf /tmp/cache",
	}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodePolicyBlocked, oc.Err.Code)
	assert.Empty(t, h.proc.scripts)
	assert.Zero(t, h.confirm.count(), "rejected before any confirmation")
}

// ---------------------------------------------------------------------------
// Conditionals
// ---------------------------------------------------------------------------

func TestDispatch_ConditionalRunsOnlyOneBranch(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"env": static(schema.StringValue("prod"))})

	oc := h.dispatch(step("branch", &schema.Conditional{
		Condition: schema.Condition{Variable: "env", Operator: schema.OpEquals, Value: schema.StringValue("prod")},
		Then:      step("then", &schema.ExecuteCommand{Command: "echo deploying"}),
		Else:      step("else", &schema.ExecuteCommand{Command: "echo skipping"}),
	}))
	require.Nil(t, oc.Err)
	assert.Equal(t, []string{"echo deploying"}, h.proc.ran())
	assert.Equal(t, true, oc.Output["condition"])
	assert.Equal(t, "then", oc.Output["branch"])
	assert.Equal(t, "echo deploying", oc.Output["output"].(map[string]any)["command"])
	assert.True(t, h.events.has(schema.EventConditionEvaluated))
}

func TestDispatch_ConditionalElseAndNone(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"count": static(schema.NumberValue(1))})

	oc := h.dispatch(step("c1", &schema.Conditional{
		Condition: schema.Condition{Variable: "count", Operator: schema.OpGreaterThan, Value: schema.NumberValue(5)},
		Then:      step("then", &schema.ExecuteCommand{Command: "echo big"}),
		Else:      step("else", &schema.ExecuteCommand{Command: "echo small"}),
	}))
	require.Nil(t, oc.Err)
	assert.Equal(t, "else", oc.Output["branch"])
	assert.Equal(t, []string{"echo small"}, h.proc.ran())

	oc = h.dispatch(step("c2", &schema.Conditional{
		Condition: schema.Condition{Variable: "count", Operator: schema.OpGreaterThan, Value: schema.NumberValue(5)},
		Then:      step("then", &schema.ExecuteCommand{Command: "echo big"}),
	}))
	require.Nil(t, oc.Err)
	assert.Equal(t, "none", oc.Output["branch"])
	assert.Len(t, h.proc.ran(), 1)
}

func TestDispatch_ConditionalTypeError(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"count": static(schema.NumberValue(1))})

	oc := h.dispatch(step("c", &schema.Conditional{
		Condition: schema.Condition{Variable: "count", Operator: schema.OpContains, Value: schema.StringValue("1")},
		Then:      step("then", &schema.ExecuteCommand{Command: "echo x"}),
	}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeType, oc.Err.Code)
	assert.Empty(t, h.proc.ran())
}

func TestDispatch_ConditionalTokenKeepsVariableType(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{
		"count": static(schema.NumberValue(10)),
		"limit": static(schema.NumberValue(5)),
	})

	oc := h.dispatch(step("c", &schema.Conditional{
		Condition: schema.Condition{Variable: "count", Operator: schema.OpGreaterThan, Value: schema.StringValue("${limit}")},
		Then:      step("then", &schema.ExecuteCommand{Command: "echo over"}),
		Else:      step("else", &schema.ExecuteCommand{Command: "echo under"}),
	}))
	require.Nil(t, oc.Err)
	assert.Equal(t, true, oc.Output["condition"])
	assert.Equal(t, "then", oc.Output["branch"])
	assert.Equal(t, []string{"echo over"}, h.proc.ran())

	oc = h.dispatch(step("c2", &schema.Conditional{
		Condition: schema.Condition{Variable: "count", Operator: schema.OpGreaterThan, Value: schema.StringValue("${limit} items")},
		Then:      step("then", &schema.ExecuteCommand{Command: "echo over"}),
	}))
	require.NotNil(t, oc.Err, "mixed text stays a string")
	assert.Equal(t, schema.ErrCodeType, oc.Err.Code)
}

func TestDispatch_ConditionalBranchIsGated(t *testing.T) {
	h := newHarness(t, Config{}, map[string]schema.Variable{"go": static(schema.BoolValue(true))})

	oc := h.dispatch(step("c", &schema.Conditional{
		Condition: schema.Condition{Variable: "go", Operator: schema.OpEquals, Value: schema.StringValue("true")},
		Then:      step("then", &schema.ExecuteCommand{Command: "rm -rf /srv/data"}),
	}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodePolicyBlocked, oc.Err.Code)
	assert.Equal(t, schema.RiskDestructive, oc.Risk)
}

// ---------------------------------------------------------------------------
// Other variants
// ---------------------------------------------------------------------------

func TestDispatch_Wait(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.dispatch(step("w", &schema.Wait{Duration: "20ms"}))
	require.Nil(t, oc.Err)
	assert.GreaterOrEqual(t, oc.Output["waited"].(int64), int64(20))
	assert.True(t, h.events.has(schema.EventWaitStarted))
	assert.True(t, h.events.has(schema.EventWaitCompleted))
}

func TestDispatch_SetVariableVerbatim(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.dispatch(step("set", &schema.SetVariable{Name: "greeting", Value: schema.StringValue("hi ${name}")}))
	require.Nil(t, oc.Err)
	assert.Equal(t, map[string]any{"name": "greeting", "value": "hi ${name}"}, oc.Output)

	v, ok := h.run.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hi ${name}", v.Text())
	assert.True(t, h.events.has(schema.EventVariableSet))
}

func TestDispatch_Prompt(t *testing.T) {
	p := &fakePrompter{}
	h := newHarness(t, Config{Prompter: p}, map[string]schema.Variable{"svc": static(schema.StringValue("api"))})

	oc := h.dispatch(step("ask", &schema.UserPrompt{Text: "Restart ${svc}?"}))
	require.Nil(t, oc.Err)
	assert.Equal(t, "Restart api?", p.text)
	assert.Equal(t, map[string]any{"input": "yes"}, oc.Output)
}

func TestDispatch_PromptWithoutSurface(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.dispatch(step("ask", &schema.UserPrompt{Text: "ok?"}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeExecutionFailed, oc.Err.Code)
}

func TestDispatch_Browser(t *testing.T) {
	b := &fakeBrowser{}
	h := newHarness(t, Config{Browser: b}, map[string]schema.Variable{"sel": static(schema.StringValue("#title"))})

	oc := h.dispatch(step("b", &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserGetText, Selector: "${sel}"}}))
	require.Nil(t, oc.Err)
	assert.Equal(t, "default", b.session)
	assert.Equal(t, "#title", b.action.Selector)
	assert.Equal(t, schema.RiskSafeOperations, oc.Risk)
	assert.Equal(t, "hello", oc.Output["page_content"])
}

func TestDispatch_BrowserNavigateNeedsConfirmationInSafeMode(t *testing.T) {
	b := &fakeBrowser{}
	h := newHarness(t, Config{Browser: b}, nil)

	oc := h.dispatch(step("b", &schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserNavigate, URL: "https://example.com"}}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeConfirmationDenied, oc.Err.Code)
	assert.Equal(t, 1, h.confirm.count())
	assert.Empty(t, b.session)
}

func TestDispatch_Integration(t *testing.T) {
	calls := &fakeIntegrations{}
	h := newHarness(t, Config{Integrations: calls}, map[string]schema.Variable{"n": static(schema.NumberValue(3))})
	h.guard.Mode = schema.Mode{}

	oc := h.dispatch(step("i", &schema.IntegrationCall{
		Service: "tickets", Method: "create",
		Payload: map[string]any{"count": "${n}", "title": "batch ${n}"},
	}))
	require.Nil(t, oc.Err)
	assert.Equal(t, "tickets", calls.service)
	assert.Equal(t, float64(3), calls.params["count"])
	assert.Equal(t, "batch 3", calls.params["title"])
	assert.Equal(t, map[string]any{"ok": true}, oc.Output["result"])
	assert.Equal(t, schema.RiskNetworkAccess, oc.Risk)
}

func TestDispatch_IntegrationErrorIsWrapped(t *testing.T) {
	calls := &fakeIntegrations{err: errors.New("503 service unavailable")}
	h := newHarness(t, Config{Integrations: calls}, nil)
	h.guard.Mode = schema.Mode{}

	oc := h.dispatch(step("i", &schema.IntegrationCall{Service: "tickets", Method: "create"}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeIntegration, oc.Err.Code)
}

func TestDispatch_RunWorkflow(t *testing.T) {
	runner := &fakeRunner{res: &schema.WorkflowExecutionResult{
		Success: true,
		Outputs: map[string]map[string]any{"inner": {"stdout": "done"}},
	}}
	h := newHarness(t, Config{}, map[string]schema.Variable{"region": static(schema.StringValue("eu"))})
	h.d.SetRunner(runner)

	oc := h.dispatch(step("nested", &schema.RunWorkflow{
		WorkflowID: "deploy",
		Variables:  map[string]schema.VariableValue{"region": schema.StringValue("${region}")},
	}))
	require.Nil(t, oc.Err)
	assert.Equal(t, 1, runner.depth)
	assert.Equal(t, "eu", runner.vars["region"].Text())
	assert.Equal(t, "deploy", oc.Output["workflow_id"])
	assert.Equal(t, true, oc.Output["success"])
}

func TestDispatch_RunWorkflowPropagatesFatalCode(t *testing.T) {
	runner := &fakeRunner{res: &schema.WorkflowExecutionResult{
		Success: false,
		Error:   schema.NewError(schema.ErrCodePolicyBlocked, "blocked inside"),
	}}
	h := newHarness(t, Config{}, nil)
	h.d.SetRunner(runner)

	oc := h.dispatch(step("nested", &schema.RunWorkflow{WorkflowID: "deploy"}))
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodePolicyBlocked, oc.Err.Code)
}

func TestDispatch_RunWorkflowNestingBound(t *testing.T) {
	runner := &fakeRunner{res: &schema.WorkflowExecutionResult{Success: true}}
	h := newHarness(t, Config{MaxNesting: 2}, nil)
	h.d.SetRunner(runner)

	ctx := WithDepth(context.Background(), 2)
	oc := h.d.Dispatch(ctx, step("nested", &schema.RunWorkflow{WorkflowID: "loop"}), Env{Run: h.run, Guard: h.guard})
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeExecutionFailed, oc.Err.Code)
	assert.Contains(t, oc.Err.Message, "nesting")
}

func TestDispatch_NilGuardFailsClosed(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.d.Dispatch(context.Background(), step("s", &schema.ExecuteCommand{Command: "curl https://example.com"}), Env{Run: h.run})
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodePolicyBlocked, oc.Err.Code)
}

func TestDispatch_MissingAction(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	oc := h.dispatch(&schema.WorkflowStep{ID: "empty"})
	require.NotNil(t, oc.Err)
	assert.Equal(t, schema.ErrCodeValidation, oc.Err.Code)
}
