package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/riskflow/internal/definitions"
	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/internal/triggers"
	"github.com/rendis/riskflow/internal/validation"
	"github.com/rendis/riskflow/pkg/schema"
)

// Runner executes workflows and plans. *engine.Orchestrator satisfies it.
type Runner interface {
	RunWorkflow(ctx context.Context, wf *schema.Workflow, opts engine.RunOptions) (*schema.WorkflowExecutionResult, error)
	RunPlan(ctx context.Context, plan *schema.Plan, opts engine.RunOptions) (*schema.WorkflowExecutionResult, error)
	Cancel(runID string) error
	ActiveRuns() []engine.RunInfo
}

// RiskflowServerDeps holds the dependencies for creating a RiskflowServer.
type RiskflowServerDeps struct {
	Runner    Runner
	Store     store.Store
	Gate      *risk.Gate
	Validator *validation.Validator
	Loader    *definitions.Loader
	Router    *triggers.Router
	// Mode is the policy mode used by classify and by every run started
	// through the server.
	Mode   schema.Mode
	Logger *slog.Logger
}

// RiskflowServer wraps an MCP server with riskflow tool handlers.
type RiskflowServer struct {
	runner    Runner
	store     store.Store
	gate      *risk.Gate
	validator *validation.Validator
	loader    *definitions.Loader
	router    *triggers.Router
	mode      schema.Mode
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer
}

// NewRiskflowServer creates a new RiskflowServer with all tools registered.
func NewRiskflowServer(deps RiskflowServerDeps) *RiskflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.NewValidator(nil)
	}

	s := &RiskflowServer{
		runner:    deps.Runner,
		store:     deps.Store,
		gate:      deps.Gate,
		validator: validator,
		loader:    deps.Loader,
		router:    deps.Router,
		mode:      deps.Mode,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"riskflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Riskflow runs shell commands, scripts and browser automation behind a risk policy. Use riskflow.classify to see how a command is rated before running it, riskflow.run_plan for one-off command plans, riskflow.define and riskflow.run_workflow for stored workflows, riskflow.trigger for voice and event triggers, riskflow.cancel to stop a run and riskflow.query to inspect workflows, plans, runs and the audit log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RiskflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RiskflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Observe forwards a run event to the client session that started the run.
// Wire it as the orchestrator's Observe hook.
func (s *RiskflowServer) Observe(ev *schema.Event) {
	if ev == nil || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.Background(), ev); err != nil {
		s.logger.Debug("run event notification failed", "run_id", ev.RunID, "error", err)
	}
}

func (s *RiskflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: classifyTool(), Handler: s.handleClassify},
		{Tool: runPlanTool(), Handler: s.handleRunPlan},
		{Tool: runWorkflowTool(), Handler: s.handleRunWorkflow},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func classifyTool() mcp.Tool {
	return mcp.NewTool("riskflow.classify",
		mcp.WithDescription("Classify a command and show the policy decision"),
		mcp.WithString("command", mcp.Description("Shell command to classify")),
		mcp.WithObject("plan", mcp.Description("Plan to assess instead of a single command")),
	)
}

func runPlanTool() mcp.Tool {
	return mcp.NewTool("riskflow.run_plan",
		mcp.WithDescription("Execute a command plan"),
		mcp.WithObject("plan", mcp.Description("Plan definition object")),
		mcp.WithString("plan_id", mcp.Description("ID of a stored plan to run instead")),
		mcp.WithBoolean("save", mcp.Description("Store the plan before running it")),
	)
}

func runWorkflowTool() mcp.Tool {
	return mcp.NewTool("riskflow.run_workflow",
		mcp.WithDescription("Execute a stored workflow"),
		mcp.WithString("workflow_id", mcp.Description("ID of the workflow to run")),
		mcp.WithString("name", mcp.Description("Name of the workflow to run")),
		mcp.WithObject("variables", mcp.Description("Variable values overlaid on the workflow's declared variables")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("riskflow.define",
		mcp.WithDescription("Validate and store a workflow"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("riskflow.delete",
		mcp.WithDescription("Delete a stored workflow or plan"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflow", "plan"),
			mcp.Description("Type of resource to delete"),
		),
		mcp.WithString("id", mcp.Required(), mcp.Description("ID of the resource")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("riskflow.trigger",
		mcp.WithDescription("Fire a voice command or an external event"),
		mcp.WithString("kind", mcp.Required(),
			mcp.Enum("voice", "event"),
			mcp.Description("Trigger kind"),
		),
		mcp.WithString("utterance", mcp.Description("Spoken command (voice)")),
		mcp.WithString("event", mcp.Description("Event name (event)")),
		mcp.WithString("source", mcp.Description("Event source (event)")),
		mcp.WithObject("payload", mcp.Description("Event payload (event)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("riskflow.cancel",
		mcp.WithDescription("Cancel an active run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("riskflow.query",
		mcp.WithDescription("Query workflows, plans, runs, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "plans", "runs", "active", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (id, trigger_type, event, enabled, workflow_id, plan_id, status, run_id, step_id, event_type, since, limit)")),
	)
}
