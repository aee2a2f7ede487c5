// Package dispatch routes one resolved workflow step to the collaborator that
// performs it. Every action is gated after variable substitution, so the text
// that is classified and confirmed is exactly the text that runs.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/riskflow/internal/logging"
	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/internal/variables"
	"github.com/rendis/riskflow/pkg/schema"
)

// DefaultMaxNesting bounds run_workflow recursion when Config leaves it unset.
const DefaultMaxNesting = 5

// defaultSession names the browser session used when a step names none.
const defaultSession = "default"

// Config holds the collaborators of a Dispatcher. Any of them may be nil; a
// step that needs a missing collaborator fails with EXECUTION_FAILED.
type Config struct {
	Process      ProcessExecutor
	Browser      BrowserService
	Integrations IntegrationCaller
	Prompter     Prompter

	// DefaultTimeout applies to command and script steps without a tighter
	// timeout of their own. Zero means none.
	DefaultTimeout time.Duration
	MaxNesting     int
	Logger         *slog.Logger
}

// Env is the per-run environment of a dispatch.
type Env struct {
	Run   *variables.Context
	Guard Guard
	Emit  EventFunc

	// Resolved marks command text as already substituted. It is gated and
	// run as is, so a literal ${...} in it is never looked up.
	Resolved bool
}

// Outcome is the result of dispatching one step. Output is set for every
// status; Err is set for every status except Succeeded.
type Outcome struct {
	Status   schema.StepStatus
	Output   map[string]any
	Err      *schema.Error
	Risk     schema.RiskTier
	Decision schema.Decision
	Command  string
}

// Dispatcher executes workflow steps.
type Dispatcher struct {
	resolver *variables.Resolver
	cfg      Config
	logger   *slog.Logger

	mu     sync.RWMutex
	runner WorkflowRunner
}

// New creates a Dispatcher.
func New(resolver *variables.Resolver, cfg Config) *Dispatcher {
	if cfg.MaxNesting <= 0 {
		cfg.MaxNesting = DefaultMaxNesting
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{resolver: resolver, cfg: cfg, logger: logger}
}

// SetRunner binds the runner used by run_workflow steps. The orchestrator
// calls it after construction.
func (d *Dispatcher) SetRunner(r WorkflowRunner) {
	d.mu.Lock()
	d.runner = r
	d.mu.Unlock()
}

func (d *Dispatcher) workflowRunner() WorkflowRunner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runner
}

type depthKey struct{}

// WithDepth records the nesting depth of the run executing under ctx.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// Depth returns the nesting depth recorded in ctx, zero for top-level runs.
func Depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Dispatch runs one step. The step's deadline is enforced here: expiry while
// the parent context is alive yields TimedOut, cancellation of the parent
// yields Failed with CANCELLED.
func (d *Dispatcher) Dispatch(ctx context.Context, step *schema.WorkflowStep, env Env) Outcome {
	ctx = logging.WithStepID(ctx, step.ID)
	if env.Guard == nil {
		env.Guard = &PolicyGuard{Mode: schema.Mode{Safe: true, Unattended: true}, Events: env.Emit}
	}

	timeout, err := d.timeoutFor(step)
	if err != nil {
		return failed(step.ID, err)
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	oc := Outcome{Risk: schema.RiskInfoOnly, Decision: schema.DecisionProceed}
	out, err := d.execute(stepCtx, step, step.Inputs, env, &oc)
	oc.Output = out

	switch {
	case err == nil:
		oc.Status = schema.StepStatusSucceeded
	case ctx.Err() != nil && !schema.IsFatal(err):
		oc.Status = schema.StepStatusFailed
		oc.Err = schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(step.ID).WithCause(err)
	case stepCtx.Err() == context.DeadlineExceeded && !schema.IsFatal(err):
		oc.Status = schema.StepStatusTimedOut
		oc.Err = schema.NewErrorf(schema.ErrCodeTimedOut, "step timed out after %s", timeout).WithStep(step.ID).WithCause(err)
	default:
		oc.Status = schema.StepStatusFailed
		oc.Err = asStepError(step.ID, err)
	}

	if oc.Err != nil {
		logging.LogWith(ctx, d.logger).Debug("step dispatch failed", "status", oc.Status, "code", oc.Err.Code, "error", oc.Err.Message)
	}
	return oc
}

func failed(stepID string, err error) Outcome {
	return Outcome{
		Status:   schema.StepStatusFailed,
		Err:      asStepError(stepID, err),
		Risk:     schema.RiskInfoOnly,
		Decision: schema.DecisionProceed,
	}
}

// asStepError returns err as a *schema.Error attributed to stepID. Errors
// from collaborators without a code become EXECUTION_FAILED.
func asStepError(stepID string, err error) *schema.Error {
	var se *schema.Error
	if errors.As(err, &se) {
		if se.StepID == "" {
			se.StepID = stepID
		}
		return se
	}
	return schema.NewError(schema.ErrCodeExecutionFailed, err.Error()).WithStep(stepID).WithCause(err)
}

// Resolver returns the resolver used for substitution, so callers can render
// step text such as rollback commands against a run's context.
func (d *Dispatcher) Resolver() *variables.Resolver {
	return d.resolver
}

// timeoutFor returns the shortest of the step timeout, the script timeout and
// the default timeout for process steps.
func (d *Dispatcher) timeoutFor(step *schema.WorkflowStep) (time.Duration, error) {
	var limits []time.Duration
	if step.Timeout != "" {
		t, err := schema.ParseDuration(step.Timeout)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid step timeout %q", step.Timeout).WithStep(step.ID)
		}
		limits = append(limits, t)
	}
	switch a := step.Action.(type) {
	case *schema.RunScript:
		if a.Timeout != "" {
			t, err := schema.ParseDuration(a.Timeout)
			if err != nil {
				return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid script timeout %q", a.Timeout).WithStep(step.ID)
			}
			limits = append(limits, t)
		}
		limits = append(limits, d.cfg.DefaultTimeout)
	case *schema.ExecuteCommand:
		limits = append(limits, d.cfg.DefaultTimeout)
	}

	var shortest time.Duration
	for _, t := range limits {
		if t > 0 && (shortest == 0 || t < shortest) {
			shortest = t
		}
	}
	return shortest, nil
}

func (d *Dispatcher) execute(ctx context.Context, step *schema.WorkflowStep, inputs map[string]schema.Variable, env Env, oc *Outcome) (map[string]any, error) {
	switch a := step.Action.(type) {
	case *schema.ExecuteCommand:
		return d.runCommand(ctx, step.ID, inputs, a, env, oc)
	case *schema.RunScript:
		return d.runScript(ctx, step.ID, inputs, a, env, oc)
	case *schema.BrowserStep:
		return d.runBrowser(ctx, step.ID, inputs, a, env, oc)
	case *schema.IntegrationCall:
		return d.runIntegration(ctx, step.ID, inputs, a, env, oc)
	case *schema.Conditional:
		return d.runConditional(ctx, step.ID, inputs, a, env, oc)
	case *schema.Wait:
		return d.runWait(ctx, step.ID, inputs, a, env, oc)
	case *schema.SetVariable:
		return d.runSetVariable(ctx, step.ID, a, env, oc)
	case *schema.UserPrompt:
		return d.runPrompt(ctx, step.ID, inputs, a, env, oc)
	case *schema.RunWorkflow:
		return d.runWorkflow(ctx, step.ID, inputs, a, env, oc)
	case nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "step has no action").WithStep(step.ID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported step type %q", step.Type()).WithStep(step.ID)
	}
}

func (d *Dispatcher) clear(ctx context.Context, stepID string, action schema.Action, env Env, oc *Outcome) (schema.Action, error) {
	c, err := env.Guard.Clear(ctx, stepID, action)
	if c.Tier != "" {
		oc.Risk, oc.Decision = c.Tier, c.Decision
	}
	if err != nil {
		return nil, err
	}
	return c.Action, nil
}

// --- execute_command ---

func (d *Dispatcher) runCommand(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.ExecuteCommand, env Env, oc *Outcome) (map[string]any, error) {
	command := a.Command
	if !env.Resolved {
		var err error
		if command, err = d.resolver.Substitute(ctx, env.Run, inputs, a.Command); err != nil {
			return nil, err
		}
	}
	cleared, err := d.clear(ctx, stepID, &schema.ExecuteCommand{Command: command}, env, oc)
	if err != nil {
		return nil, err
	}
	command = cleared.(*schema.ExecuteCommand).Command
	oc.Command = command

	if d.cfg.Process == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no process executor configured")
	}
	res, err := d.cfg.Process.RunCommand(ctx, CommandRequest{StepID: stepID, Command: command})
	return processOutput(command, res, err)
}

// --- run_script ---

func (d *Dispatcher) runScript(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.RunScript, env Env, oc *Outcome) (map[string]any, error) {
	script := *a
	if script.SecurityLevel == "" {
		script.SecurityLevel = schema.SecuritySandboxed
	}

	var err error
	if script.Arguments, err = d.resolver.SubstituteAll(ctx, env.Run, inputs, a.Arguments); err != nil {
		return nil, err
	}
	if script.WorkingDirectory, err = d.resolver.Substitute(ctx, env.Run, inputs, a.WorkingDirectory); err != nil {
		return nil, err
	}
	if script.Environment, err = d.resolver.SubstituteMap(ctx, env.Run, inputs, a.Environment); err != nil {
		return nil, err
	}
	if script.Interpreter, err = d.resolver.Substitute(ctx, env.Run, inputs, a.Interpreter); err != nil {
		return nil, err
	}

	if script.SecurityLevel == schema.SecuritySandboxed {
		if found := risk.SandboxViolations(script.Content); len(found) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodePolicyBlocked,
				"sandboxed script uses forbidden patterns: %s", strings.Join(found, ", ")).
				WithDetails(map[string]any{"patterns": found})
		}
	}

	if _, err := d.clear(ctx, stepID, &script, env, oc); err != nil {
		return nil, err
	}
	oc.Command = string(script.ScriptType) + " script"

	if d.cfg.Process == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no process executor configured")
	}
	res, err := d.cfg.Process.RunScript(ctx, ScriptRequest{StepID: stepID, Script: script})
	return processOutput(oc.Command, res, err)
}

func processOutput(command string, res *ProcessResult, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"command":   command,
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"success":   res.ExitCode == 0,
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no output on stderr"
		}
		return out, schema.NewErrorf(schema.ErrCodeExecutionFailed, "exit code %d: %s", res.ExitCode, msg).
			WithDetails(map[string]any{"exit_code": res.ExitCode})
	}
	return out, nil
}

// --- browser_action ---

func (d *Dispatcher) runBrowser(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.BrowserStep, env Env, oc *Outcome) (map[string]any, error) {
	resolved := *a
	for _, f := range []*string{&resolved.SessionID, &resolved.Action.URL, &resolved.Action.Selector, &resolved.Action.Text, &resolved.Action.Path, &resolved.Action.Script} {
		s, err := d.resolver.Substitute(ctx, env.Run, inputs, *f)
		if err != nil {
			return nil, err
		}
		*f = s
	}
	if resolved.SessionID == "" {
		resolved.SessionID = defaultSession
	}

	if _, err := d.clear(ctx, stepID, &resolved, env, oc); err != nil {
		return nil, err
	}
	oc.Command = Summary(&resolved)

	if d.cfg.Browser == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no browser service configured")
	}
	res, err := d.cfg.Browser.Perform(ctx, resolved.SessionID, resolved.Action)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"success":         res.Success,
		"data":            res.Data,
		"screenshot_path": res.ScreenshotPath,
		"page_content":    res.PageContent,
	}
	if !res.Success {
		return out, schema.NewErrorf(schema.ErrCodeExecutionFailed, "browser %s did not succeed", resolved.Action.Kind)
	}
	return out, nil
}

// --- integration_call ---

func (d *Dispatcher) runIntegration(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.IntegrationCall, env Env, oc *Outcome) (map[string]any, error) {
	service, err := d.resolver.Substitute(ctx, env.Run, inputs, a.Service)
	if err != nil {
		return nil, err
	}
	method, err := d.resolver.Substitute(ctx, env.Run, inputs, a.Method)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if a.Payload != nil {
		p, err := d.resolver.SubstituteValue(ctx, env.Run, inputs, a.Payload)
		if err != nil {
			return nil, err
		}
		payload = p.(map[string]any)
	}

	resolved := &schema.IntegrationCall{Service: service, Method: method, Payload: payload}
	if _, err := d.clear(ctx, stepID, resolved, env, oc); err != nil {
		return nil, err
	}
	oc.Command = Summary(resolved)

	if d.cfg.Integrations == nil {
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "no integration caller configured for %q", service)
	}
	result, err := d.cfg.Integrations.Call(ctx, service, method, payload)
	if err != nil {
		if schema.CodeOf(err) == "" && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeIntegration, "%s.%s: %s", service, method, err.Error()).WithCause(err)
		}
		return nil, err
	}
	return map[string]any{"service": service, "method": method, "result": result}, nil
}

// --- conditional ---

func (d *Dispatcher) runConditional(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.Conditional, env Env, oc *Outcome) (map[string]any, error) {
	cond := a.Condition
	left, err := d.resolver.Lookup(ctx, env.Run, inputs, cond.Variable)
	if err != nil {
		return nil, err
	}
	right := cond.Value
	// a value that is a single ${name} token keeps the type of the variable
	if s, ok := right.Str(); ok {
		resolved, err := d.resolver.SubstituteValue(ctx, env.Run, inputs, s)
		if err != nil {
			return nil, err
		}
		right = schema.ValueOf(resolved)
	}

	matched, err := EvaluateCondition(cond.Operator, left, right)
	if err != nil {
		return nil, err
	}

	branch, name := a.Else, "else"
	if matched {
		branch, name = a.Then, "then"
	}
	env.Emit.emit(ctx, schema.EventConditionEvaluated, stepID, map[string]any{
		"variable": cond.Variable, "operator": string(cond.Operator), "result": matched, "branch": name,
	})

	out := map[string]any{"condition": matched, "branch": name, "output": nil}
	if branch == nil {
		out["branch"] = "none"
		return out, nil
	}

	// the branch sees its own inputs over the conditional's
	merged := make(map[string]schema.Variable, len(inputs)+len(branch.Inputs))
	for k, v := range inputs {
		merged[k] = v
	}
	for k, v := range branch.Inputs {
		merged[k] = v
	}
	branchOut, err := d.execute(ctx, branch, merged, env, oc)
	out["output"] = branchOut
	return out, err
}

// --- wait ---

func (d *Dispatcher) runWait(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.Wait, env Env, oc *Outcome) (map[string]any, error) {
	text, err := d.resolver.Substitute(ctx, env.Run, inputs, a.Duration)
	if err != nil {
		return nil, err
	}
	dur, err := schema.ParseDuration(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid wait duration %q", text)
	}
	if _, err := d.clear(ctx, stepID, a, env, oc); err != nil {
		return nil, err
	}

	env.Emit.emit(ctx, schema.EventWaitStarted, stepID, map[string]any{"duration_ms": dur.Milliseconds()})
	start := time.Now()
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	waited := time.Since(start).Milliseconds()
	env.Emit.emit(ctx, schema.EventWaitCompleted, stepID, map[string]any{"waited_ms": waited})
	return map[string]any{"waited": waited}, nil
}

// --- set_variable ---

// runSetVariable stores the value verbatim. It never fails once cleared.
func (d *Dispatcher) runSetVariable(ctx context.Context, stepID string, a *schema.SetVariable, env Env, oc *Outcome) (map[string]any, error) {
	if _, err := d.clear(ctx, stepID, a, env, oc); err != nil {
		return nil, err
	}
	env.Run.Set(a.Name, a.Value)
	env.Emit.emit(ctx, schema.EventVariableSet, stepID, map[string]any{"name": a.Name})
	return map[string]any{"name": a.Name, "value": a.Value.Native()}, nil
}

// --- user_prompt ---

func (d *Dispatcher) runPrompt(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.UserPrompt, env Env, oc *Outcome) (map[string]any, error) {
	text, err := d.resolver.Substitute(ctx, env.Run, inputs, a.Text)
	if err != nil {
		return nil, err
	}
	if _, err := d.clear(ctx, stepID, &schema.UserPrompt{Text: text}, env, oc); err != nil {
		return nil, err
	}
	if d.cfg.Prompter == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no prompt surface available")
	}
	input, err := d.cfg.Prompter.Prompt(ctx, stepID, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"input": input}, nil
}

// --- run_workflow ---

func (d *Dispatcher) runWorkflow(ctx context.Context, stepID string, inputs map[string]schema.Variable, a *schema.RunWorkflow, env Env, oc *Outcome) (map[string]any, error) {
	depth := Depth(ctx) + 1
	if depth > d.cfg.MaxNesting {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionFailed,
			"workflow nesting depth %d exceeds limit %d", depth, d.cfg.MaxNesting)
	}

	id, err := d.resolver.Substitute(ctx, env.Run, inputs, a.WorkflowID)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]schema.VariableValue, len(a.Variables))
	for name, v := range a.Variables {
		if s, ok := v.Str(); ok {
			resolved, err := d.resolver.SubstituteValue(ctx, env.Run, inputs, s)
			if err != nil {
				return nil, err
			}
			v = schema.ValueOf(resolved)
		}
		vars[name] = v
	}

	resolved := &schema.RunWorkflow{WorkflowID: id, Variables: vars}
	if _, err := d.clear(ctx, stepID, resolved, env, oc); err != nil {
		return nil, err
	}
	oc.Command = Summary(resolved)

	runner := d.workflowRunner()
	if runner == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no workflow runner bound")
	}
	res, err := runner.RunNested(WithDepth(ctx, depth), id, vars)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"workflow_id": id,
		"success":     res.Success,
		"outputs":     res.Outputs,
		"errors":      res.Errors,
	}
	if !res.Success {
		if res.Error == nil {
			return out, schema.NewErrorf(schema.ErrCodeExecutionFailed, "nested workflow %s failed", id)
		}
		code := schema.ErrCodeExecutionFailed
		if schema.IsFatal(res.Error) {
			code = res.Error.Code
		}
		return out, schema.NewErrorf(code, "nested workflow %s failed: %s", id, res.Error.Message).WithCause(res.Error)
	}
	return out, nil
}
