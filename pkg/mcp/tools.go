package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/riskflow/internal/definitions"
	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/internal/triggers"
	"github.com/rendis/riskflow/pkg/schema"
)

// handleClassify rates a single command, or assesses a whole plan.
func (s *RiskflowServer) handleClassify(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if planRaw := mcp.ParseStringMap(req, "plan", nil); planRaw != nil {
		plan, err := s.decodePlan(planRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err)), nil
		}
		enhanced, assessment := risk.Enhance(*plan)
		return marshalResult(map[string]any{
			"plan":       enhanced,
			"assessment": assessment,
		})
	}

	command := req.GetString("command", "")
	if command == "" {
		return mcp.NewToolResultError("command or plan is required"), nil
	}
	tier := risk.Classify(command)
	verdict := s.gate.Evaluate(command, tier, s.mode)
	return marshalResult(map[string]any{
		"command":  command,
		"tier":     verdict.Tier,
		"decision": verdict.Decision,
		"reason":   verdict.Reason,
		"mode":     s.mode.String(),
		"rollback": risk.SuggestRollback(command),
	})
}

// handleRunPlan executes an inline or stored plan.
func (s *RiskflowServer) handleRunPlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("no runner configured"), nil
	}

	var plan *schema.Plan
	if planID := req.GetString("plan_id", ""); planID != "" {
		if s.store == nil {
			return mcp.NewToolResultError("no store configured"), nil
		}
		p, err := s.store.GetPlan(ctx, planID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("plan lookup failed: %v", err)), nil
		}
		plan = p
	} else {
		planRaw := mcp.ParseStringMap(req, "plan", nil)
		if planRaw == nil {
			return mcp.NewToolResultError("plan or plan_id is required"), nil
		}
		p, err := s.decodePlan(planRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err)), nil
		}
		plan = p

		if req.GetBool("save", false) {
			if s.store == nil {
				return mcp.NewToolResultError("no store configured"), nil
			}
			if saveErr := s.store.SavePlan(ctx, plan); saveErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to store plan: %v", saveErr)), nil
			}
		}
	}

	opts, done := s.runOptions(ctx, nil)
	defer done()

	result, err := s.runner.RunPlan(ctx, plan, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan execution failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleRunWorkflow executes a stored workflow by ID or name.
func (s *RiskflowServer) handleRunWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil || s.store == nil {
		return mcp.NewToolResultError("no runner or store configured"), nil
	}

	wf, err := s.lookupWorkflow(ctx, req.GetString("workflow_id", ""), req.GetString("name", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}

	var vars map[string]schema.VariableValue
	if raw := mcp.ParseStringMap(req, "variables", nil); raw != nil {
		vars = make(map[string]schema.VariableValue, len(raw))
		for name, v := range raw {
			vars[name] = schema.ValueOf(v)
		}
	}

	opts, done := s.runOptions(ctx, vars)
	defer done()

	result, runErr := s.runner.RunWorkflow(ctx, wf, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleDefine validates and stores a workflow.
func (s *RiskflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	wf, err := s.decodeWorkflow(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if checkErr := s.validator.CheckWorkflow(wf); checkErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", checkErr)), nil
	}
	if saveErr := s.store.SaveWorkflow(ctx, wf); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", saveErr)), nil
	}

	return marshalResult(map[string]any{
		"id":      wf.ID,
		"name":    wf.Name,
		"trigger": wf.Trigger.Type,
		"enabled": wf.Enabled,
	})
}

// handleDelete removes a stored workflow or plan.
func (s *RiskflowServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}

	var delErr error
	switch resource {
	case "workflow":
		delErr = s.store.DeleteWorkflow(ctx, id)
	case "plan":
		delErr = s.store.DeletePlan(ctx, id)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "resource": resource, "id": id})
}

// handleTrigger routes a voice command or an external event to workflows.
func (s *RiskflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.router == nil {
		return mcp.NewToolResultError("no trigger router configured"), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}

	switch kind {
	case "voice":
		utterance := req.GetString("utterance", "")
		if utterance == "" {
			return mcp.NewToolResultError("utterance is required for voice triggers"), nil
		}
		opts, done := s.runOptions(ctx, nil)
		defer done()
		result, voiceErr := s.router.Voice(ctx, utterance, opts)
		if voiceErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("voice trigger failed: %v", voiceErr)), nil
		}
		return marshalResult(result)

	case "event":
		name := req.GetString("event", "")
		if name == "" {
			return mcp.NewToolResultError("event is required for event triggers"), nil
		}
		ev := triggers.Event{
			Name:    name,
			Source:  req.GetString("source", ""),
			Payload: mcp.ParseStringMap(req, "payload", nil),
			Time:    time.Now().UTC(),
		}
		mode := s.mode
		results, fireErr := s.router.Fire(ctx, ev, engine.RunOptions{Mode: &mode})
		out := map[string]any{"event": name, "runs": results}
		if fireErr != nil {
			out["error"] = fireErr.Error()
		}
		return marshalResult(out)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown trigger kind: %s", kind)), nil
	}
}

// handleCancel stops an active run.
func (s *RiskflowServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("no runner configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if cancelErr := s.runner.Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleQuery lists workflows, plans, runs or events based on filters.
func (s *RiskflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	if resource == "active" {
		if s.runner == nil {
			return mcp.NewToolResultError("no runner configured"), nil
		}
		return marshalResult(map[string]any{"runs": s.runner.ActiveRuns()})
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "plans":
		return s.queryPlans(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *RiskflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if id, ok := filter["id"].(string); ok && id != "" {
		wf, err := s.store.GetWorkflow(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"workflows": []*schema.Workflow{wf}})
	}

	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if tt, ok := filter["trigger_type"].(string); ok {
		wf.TriggerType = schema.TriggerType(tt)
	}
	if ev, ok := filter["event"].(string); ok {
		wf.Event = ev
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		wf.Enabled = &enabled
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *RiskflowServer) queryPlans(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if id, ok := filter["id"].(string); ok && id != "" {
		plan, err := s.store.GetPlan(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"plans": []*schema.Plan{plan}})
	}
	plans, err := s.store.ListPlans(ctx, extractInt(filter, "limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"plans": plans})
}

func (s *RiskflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if id, ok := filter["id"].(string); ok && id != "" {
		run, err := s.store.GetRun(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"runs": []*schema.RunRecord{run}})
	}

	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if planID, ok := filter["plan_id"].(string); ok {
		rf.PlanID = planID
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = schema.RunStatus(status)
	}
	rf.Since = extractTime(filter, "since")

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *RiskflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
		Since: extractTime(filter, "since"),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// Without an event type the run's full log is read.
	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, int64(extractInt(filter, "after_sequence", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// runOptions builds the options of a run started by a tool call and maps
// the run to the caller's session for event notifications. done releases
// the mapping.
func (s *RiskflowServer) runOptions(ctx context.Context, vars map[string]schema.VariableValue) (engine.RunOptions, func()) {
	mode := s.mode
	opts := engine.RunOptions{
		RunID:     uuid.New().String(),
		Mode:      &mode,
		Variables: vars,
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return opts, func() {}
	}
	s.sessions.Register(opts.RunID, session.SessionID())
	return opts, func() { s.sessions.Forget(opts.RunID) }
}

func (s *RiskflowServer) lookupWorkflow(ctx context.Context, id, name string) (*schema.Workflow, error) {
	switch {
	case id != "":
		return s.store.GetWorkflow(ctx, id)
	case name != "":
		return s.store.GetWorkflowByName(ctx, name)
	default:
		return nil, errors.New("workflow_id or name is required")
	}
}

// decodePlan turns a tool argument into a plan, checking it against the
// plan document schema when a loader is configured.
func (s *RiskflowServer) decodePlan(raw map[string]any) (*schema.Plan, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	plan := &schema.Plan{}
	if s.loader != nil {
		if plan, err = s.loader.ParsePlan(data, definitions.FormatJSON); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, plan); err != nil {
		return nil, err
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	return plan, nil
}

func (s *RiskflowServer) decodeWorkflow(raw map[string]any) (*schema.Workflow, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if s.loader != nil {
		return s.loader.ParseWorkflow(data, definitions.FormatJSON)
	}
	wf := schema.Workflow{Enabled: true}
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime reads an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) *time.Time {
	since, ok := filter[key].(string)
	if !ok || since == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return nil
	}
	return &t
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
