package dispatch

import (
	"context"
	"time"

	"github.com/rendis/riskflow/internal/variables"
	"github.com/rendis/riskflow/pkg/schema"
)

// CommandRequest is a fully resolved shell command.
type CommandRequest struct {
	StepID  string
	Command string
}

// ScriptRequest is a fully resolved script. Content is passed verbatim;
// arguments, working directory and environment have been substituted.
type ScriptRequest struct {
	StepID string
	Script schema.RunScript
}

// ProcessResult is what a finished process reports. A non-zero exit code is
// not an error at this level.
type ProcessResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ProcessExecutor runs commands and scripts on the host. Implementations
// must stop the process and its descendants when ctx is done.
type ProcessExecutor interface {
	RunCommand(ctx context.Context, req CommandRequest) (*ProcessResult, error)
	RunScript(ctx context.Context, req ScriptRequest) (*ProcessResult, error)
}

// BrowserResult is the outcome of one browser action.
type BrowserResult struct {
	Success        bool   `json:"success"`
	Data           any    `json:"data,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	PageContent    string `json:"page_content,omitempty"`
}

// BrowserService performs browser actions within named sessions.
type BrowserService interface {
	Perform(ctx context.Context, sessionID string, action schema.BrowserAction) (*BrowserResult, error)
}

// IntegrationCaller invokes methods on named external services.
type IntegrationCaller = variables.IntegrationCaller

// Prompter asks the user for free-form input.
type Prompter interface {
	Prompt(ctx context.Context, stepID, text string) (string, error)
}

// WorkflowRunner runs a stored workflow with a fresh execution context. The
// orchestrator satisfies it and is bound after construction.
type WorkflowRunner interface {
	RunNested(ctx context.Context, workflowID string, vars map[string]schema.VariableValue) (*schema.WorkflowExecutionResult, error)
}

// EventFunc receives dispatcher events. A nil EventFunc drops them.
type EventFunc func(ctx context.Context, eventType, stepID string, payload map[string]any)

func (f EventFunc) emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	if f != nil {
		f(ctx, eventType, stepID, payload)
	}
}
