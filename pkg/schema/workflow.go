package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow is a named, reusable sequence of steps with declared variables and
// a workflow-level error strategy. A workflow is read-only while it runs.
type Workflow struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	Trigger       Trigger             `json:"trigger"`
	Steps         []WorkflowStep      `json:"steps"`
	Variables     map[string]Variable `json:"variables,omitempty"`
	ErrorHandling ErrorStrategy       `json:"error_handling"`
	Enabled       bool                `json:"enabled"`
	CreatedAt     time.Time           `json:"created_at,omitzero"`
	UpdatedAt     time.Time           `json:"updated_at,omitzero"`
}

// Step returns the top-level step with the given ID, or nil.
func (w *Workflow) Step(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// RecoverySteps returns the IDs of steps referenced as alternatives by other
// steps. Recovery steps run only when the step naming them fails.
func (w *Workflow) RecoverySteps() map[string]bool {
	out := make(map[string]bool)
	for _, s := range w.Steps {
		if s.OnError != nil && s.OnError.Strategy == HandlingAlternative && s.OnError.Step != "" {
			out[s.OnError.Step] = true
		}
	}
	return out
}

// Dependencies returns the dependencies of every schedulable step. A step
// without depends_on depends on the closest preceding schedulable step.
// Recovery steps are left out: they run only when the step naming them fails.
func (w *Workflow) Dependencies() map[string][]string {
	recovery := w.RecoverySteps()
	deps := make(map[string][]string, len(w.Steps))
	prev := ""
	for _, s := range w.Steps {
		if recovery[s.ID] {
			continue
		}
		switch {
		case len(s.DependsOn) > 0:
			deps[s.ID] = s.DependsOn
		case prev != "":
			deps[s.ID] = []string{prev}
		default:
			deps[s.ID] = nil
		}
		prev = s.ID
	}
	return deps
}

// TriggerType enumerates how a workflow is started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerVoice     TriggerType = "voice"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
)

// Trigger describes what starts a workflow.
type Trigger struct {
	Type    TriggerType `json:"type"`
	Command string      `json:"command,omitempty"` // voice: invocation phrase
	Cron    string      `json:"cron,omitempty"`    // scheduled: 5-field cron expression
	Event   string      `json:"event,omitempty"`   // event: event name
	Filter  string      `json:"filter,omitempty"`  // event: CEL predicate over the payload
}

// StepType is the discriminator of the WorkflowStep action variant.
type StepType string

const (
	StepExecuteCommand  StepType = "execute_command"
	StepRunScript       StepType = "run_script"
	StepBrowserAction   StepType = "browser_action"
	StepIntegrationCall StepType = "integration_call"
	StepConditional     StepType = "conditional"
	StepWait            StepType = "wait"
	StepSetVariable     StepType = "set_variable"
	StepUserPrompt      StepType = "user_prompt"
	StepRunWorkflow     StepType = "run_workflow"
)

// Action is the closed set of step variants. Each variant owns its data;
// conditionals own their branches exclusively.
type Action interface {
	StepType() StepType
	isAction()
}

// ExecuteCommand runs a shell command line.
type ExecuteCommand struct {
	Command string `json:"command"`
}

// RunScript runs script content through an interpreter.
type RunScript struct {
	ScriptType       ScriptType        `json:"script_type"`
	Interpreter      string            `json:"interpreter,omitempty"` // script_type custom only
	Content          string            `json:"content"`
	Arguments        []string          `json:"arguments,omitempty"`
	Timeout          string            `json:"timeout,omitempty"`
	SecurityLevel    SecurityLevel     `json:"security_level,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
}

// BrowserStep performs one action in a browser session.
type BrowserStep struct {
	SessionID string        `json:"session_id,omitempty"`
	Action    BrowserAction `json:"action"`
}

// IntegrationCall invokes a method on a named external service.
type IntegrationCall struct {
	Service string         `json:"service"`
	Method  string         `json:"method,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Conditional evaluates a condition and runs exactly one branch.
type Conditional struct {
	Condition Condition     `json:"condition"`
	Then      *WorkflowStep `json:"then"`
	Else      *WorkflowStep `json:"else,omitempty"`
}

// Wait suspends the step for a duration.
type Wait struct {
	Duration string `json:"duration"`
}

// SetVariable overlays a binding on the run's execution context.
type SetVariable struct {
	Name  string        `json:"name"`
	Value VariableValue `json:"value"`
}

// UserPrompt shows text and blocks until input is supplied.
type UserPrompt struct {
	Text string `json:"text"`
}

// RunWorkflow runs another stored workflow with a fresh execution context.
type RunWorkflow struct {
	WorkflowID string                   `json:"workflow_id"`
	Variables  map[string]VariableValue `json:"variables,omitempty"`
}

func (*ExecuteCommand) StepType() StepType  { return StepExecuteCommand }
func (*RunScript) StepType() StepType       { return StepRunScript }
func (*BrowserStep) StepType() StepType     { return StepBrowserAction }
func (*IntegrationCall) StepType() StepType { return StepIntegrationCall }
func (*Conditional) StepType() StepType     { return StepConditional }
func (*Wait) StepType() StepType            { return StepWait }
func (*SetVariable) StepType() StepType     { return StepSetVariable }
func (*UserPrompt) StepType() StepType      { return StepUserPrompt }
func (*RunWorkflow) StepType() StepType     { return StepRunWorkflow }

func (*ExecuteCommand) isAction()  {}
func (*RunScript) isAction()       {}
func (*BrowserStep) isAction()     {}
func (*IntegrationCall) isAction() {}
func (*Conditional) isAction()     {}
func (*Wait) isAction()            {}
func (*SetVariable) isAction()     {}
func (*UserPrompt) isAction()      {}
func (*RunWorkflow) isAction()     {}

// WorkflowStep is one unit of work. On the wire the action is encoded as a
// "type" discriminator plus a "params" object.
type WorkflowStep struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	DependsOn []string            `json:"depends_on,omitempty"`
	Inputs    map[string]Variable `json:"inputs,omitempty"`
	OnError   *ErrorHandling      `json:"on_error,omitempty"`
	Timeout   string              `json:"timeout,omitempty"`  // e.g. "30s", "5m"
	Rollback  string              `json:"rollback,omitempty"` // command offered by explicit rollback
	Action    Action              `json:"-"`
}

// Type returns the step's variant discriminator, or "" when no action is set.
func (s *WorkflowStep) Type() StepType {
	if s.Action == nil {
		return ""
	}
	return s.Action.StepType()
}

type stepWire struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	Type      StepType            `json:"type"`
	Params    json.RawMessage     `json:"params,omitempty"`
	DependsOn []string            `json:"depends_on,omitempty"`
	Inputs    map[string]Variable `json:"inputs,omitempty"`
	OnError   *ErrorHandling      `json:"on_error,omitempty"`
	Timeout   string              `json:"timeout,omitempty"`
	Rollback  string              `json:"rollback,omitempty"`
}

func (s WorkflowStep) MarshalJSON() ([]byte, error) {
	w := stepWire{
		ID:        s.ID,
		Name:      s.Name,
		Type:      s.Type(),
		DependsOn: s.DependsOn,
		Inputs:    s.Inputs,
		OnError:   s.OnError,
		Timeout:   s.Timeout,
		Rollback:  s.Rollback,
	}
	if s.Action != nil {
		params, err := json.Marshal(s.Action)
		if err != nil {
			return nil, err
		}
		w.Params = params
	}
	return json.Marshal(w)
}

func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	action, err := decodeAction(w.Type, w.Params)
	if err != nil {
		return fmt.Errorf("step %q: %w", w.ID, err)
	}
	*s = WorkflowStep{
		ID:        w.ID,
		Name:      w.Name,
		DependsOn: w.DependsOn,
		Inputs:    w.Inputs,
		OnError:   w.OnError,
		Timeout:   w.Timeout,
		Rollback:  w.Rollback,
		Action:    action,
	}
	return nil
}

func decodeAction(t StepType, params json.RawMessage) (Action, error) {
	var a Action
	switch t {
	case StepExecuteCommand:
		a = &ExecuteCommand{}
	case StepRunScript:
		a = &RunScript{}
	case StepBrowserAction:
		a = &BrowserStep{}
	case StepIntegrationCall:
		a = &IntegrationCall{}
	case StepConditional:
		a = &Conditional{}
	case StepWait:
		a = &Wait{}
	case StepSetVariable:
		a = &SetVariable{}
	case StepUserPrompt:
		a = &UserPrompt{}
	case StepRunWorkflow:
		a = &RunWorkflow{}
	case "":
		return nil, fmt.Errorf("missing step type")
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
	if len(params) == 0 || string(params) == "null" {
		return a, nil
	}
	if err := json.Unmarshal(params, a); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", t, err)
	}
	return a, nil
}

// ComparisonOperator is the operator of a Condition.
type ComparisonOperator string

const (
	OpEquals      ComparisonOperator = "equals"
	OpNotEquals   ComparisonOperator = "not_equals"
	OpGreaterThan ComparisonOperator = "greater_than"
	OpLessThan    ComparisonOperator = "less_than"
	OpContains    ComparisonOperator = "contains"
	OpStartsWith  ComparisonOperator = "starts_with"
	OpEndsWith    ComparisonOperator = "ends_with"
)

// Condition compares a variable against a value.
type Condition struct {
	Variable string             `json:"variable"`
	Operator ComparisonOperator `json:"operator"`
	Value    VariableValue      `json:"value"`
}

// VariableKind enumerates binding kinds.
type VariableKind string

const (
	VarStatic      VariableKind = "static"
	VarDynamic     VariableKind = "dynamic"
	VarContext     VariableKind = "context"
	VarIntegration VariableKind = "integration"
	VarStepOutput  VariableKind = "step_output" // step inputs only
)

// Variable is a binding: how a named value is obtained at run time.
type Variable struct {
	Kind       VariableKind   `json:"kind"`
	Value      *VariableValue `json:"value,omitempty"`      // static
	Expression string         `json:"expression,omitempty"` // dynamic
	Service    string         `json:"service,omitempty"`    // integration
	Step       string         `json:"step,omitempty"`       // step_output
	Key        string         `json:"key,omitempty"`        // context, integration, step_output
}

// Static returns a static binding for v.
func Static(v VariableValue) Variable {
	return Variable{Kind: VarStatic, Value: &v}
}

// ScriptType selects the interpreter of a RunScript step.
type ScriptType string

const (
	ScriptBash       ScriptType = "bash"
	ScriptPython     ScriptType = "python"
	ScriptJavaScript ScriptType = "javascript"
	ScriptRuby       ScriptType = "ruby"
	ScriptPowerShell ScriptType = "powershell"
	ScriptRust       ScriptType = "rust"
	ScriptCustom     ScriptType = "custom"
)

// SecurityLevel selects how a script is contained.
type SecurityLevel string

const (
	SecuritySandboxed SecurityLevel = "sandboxed"
	SecurityTrusted   SecurityLevel = "trusted"
	SecurityIsolated  SecurityLevel = "isolated"
)

// BrowserActionKind enumerates browser actions.
type BrowserActionKind string

const (
	BrowserNavigate       BrowserActionKind = "navigate"
	BrowserClick          BrowserActionKind = "click"
	BrowserType           BrowserActionKind = "type"
	BrowserWaitForElement BrowserActionKind = "wait_for_element"
	BrowserScreenshot     BrowserActionKind = "screenshot"
	BrowserExecuteScript  BrowserActionKind = "execute_script"
	BrowserGetText        BrowserActionKind = "get_text"
	BrowserScroll         BrowserActionKind = "scroll"
)

// BrowserAction is a single browser operation.
type BrowserAction struct {
	Kind     BrowserActionKind `json:"kind"`
	URL      string            `json:"url,omitempty"`
	Selector string            `json:"selector,omitempty"`
	Text     string            `json:"text,omitempty"`
	Path     string            `json:"path,omitempty"`
	Script   string            `json:"script,omitempty"`
	X        int               `json:"x,omitempty"`
	Y        int               `json:"y,omitempty"`
}

// HandlingStrategy enumerates step-level error handling.
type HandlingStrategy string

const (
	HandlingContinue    HandlingStrategy = "continue"
	HandlingStop        HandlingStrategy = "stop"
	HandlingRetry       HandlingStrategy = "retry"
	HandlingAlternative HandlingStrategy = "alternative"
)

// ErrorHandling is the step-level failure policy. It always takes precedence
// over the workflow's ErrorStrategy.
type ErrorHandling struct {
	Strategy    HandlingStrategy `json:"strategy"`
	MaxAttempts int              `json:"max_attempts,omitempty"` // retry: total attempts
	Delay       string           `json:"delay,omitempty"`        // retry: wait between attempts
	Backoff     string           `json:"backoff,omitempty"`      // retry: constant | linear | exponential (default: constant)
	MaxDelay    string           `json:"max_delay,omitempty"`    // retry: cap for growing backoff
	Step        string           `json:"step,omitempty"`         // alternative: step ID to run instead
}

// StrategyKind enumerates workflow-level error strategies.
type StrategyKind string

const (
	StrategyStop     StrategyKind = "stop"
	StrategyContinue StrategyKind = "continue"
	StrategyRetry    StrategyKind = "retry"
	StrategyFallback StrategyKind = "fallback"
)

// ErrorStrategy is the workflow-level failure policy, consulted only for
// steps without their own ErrorHandling.
type ErrorStrategy struct {
	Strategy StrategyKind  `json:"strategy,omitempty"` // default: stop
	Retries  int           `json:"retries,omitempty"`  // retry: run-wide retry budget
	Fallback *WorkflowStep `json:"fallback,omitempty"` // fallback: recovery step
}

// Kind returns the strategy, defaulting to stop.
func (e ErrorStrategy) Kind() StrategyKind {
	if e.Strategy == "" {
		return StrategyStop
	}
	return e.Strategy
}
