// Package triggers starts stored workflows from spoken phrases and from
// named events filtered with CEL.
package triggers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/pkg/schema"
)

// Run variables set on triggered runs.
const (
	VarVoiceArgs    = "voice_args"
	VarEventName    = "event_name"
	VarEventSource  = "event_source"
	VarEventPayload = "event_payload"
)

// WorkflowSource lists stored workflows.
type WorkflowSource interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// WorkflowRunner is satisfied by *engine.Orchestrator.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, wf *schema.Workflow, opts engine.RunOptions) (*schema.WorkflowExecutionResult, error)
}

// Event is something that happened outside the engine.
type Event struct {
	Name    string         `json:"name"`
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time,omitzero"`
}

// Router resolves triggers to workflows and runs them.
type Router struct {
	source WorkflowSource
	runner WorkflowRunner
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewRouter creates a Router. cel may be nil, in which case event
// workflows with a filter never match.
func NewRouter(source WorkflowSource, runner WorkflowRunner, cel *expressions.CELEngine, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{source: source, runner: runner, cel: cel, logger: logger}
}

// VoiceMatch is a workflow found for an utterance. Args is what the user
// said after the phrase.
type VoiceMatch struct {
	Workflow *schema.Workflow
	Args     string
}

// MatchVoice finds the enabled voice workflow whose phrase the utterance
// starts with. An exact phrase beats a prefix and a longer prefix beats a
// shorter one; two workflows with the same phrase are a conflict.
func (r *Router) MatchVoice(ctx context.Context, utterance string) (*VoiceMatch, error) {
	said := NormalizePhrase(utterance)
	if said == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty utterance")
	}
	enabled := true
	workflows, err := r.source.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: schema.TriggerVoice, Enabled: &enabled})
	if err != nil {
		return nil, err
	}

	var best *VoiceMatch
	bestLen := 0
	tied := false
	for _, wf := range workflows {
		phrase := NormalizePhrase(wf.Trigger.Command)
		if phrase == "" {
			continue
		}
		var args string
		switch {
		case said == phrase:
		case strings.HasPrefix(said, phrase+" "):
			args = strings.TrimPrefix(said, phrase+" ")
		default:
			continue
		}
		switch {
		case len(phrase) > bestLen:
			best, bestLen, tied = &VoiceMatch{Workflow: wf, Args: args}, len(phrase), false
		case len(phrase) == bestLen:
			tied = true
		}
	}

	if best == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow answers to %q", said)
	}
	if tied {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "more than one workflow answers to %q", said)
	}
	return best, nil
}

// Voice runs the workflow matched by an utterance.
func (r *Router) Voice(ctx context.Context, utterance string, opts engine.RunOptions) (*schema.WorkflowExecutionResult, error) {
	m, err := r.MatchVoice(ctx, utterance)
	if err != nil {
		return nil, err
	}
	opts.Variables = withVariable(opts.Variables, VarVoiceArgs, schema.StringValue(m.Args))
	r.logger.Info("voice trigger", "workflow_id", m.Workflow.ID, "args", m.Args)
	return r.runner.RunWorkflow(ctx, m.Workflow, opts)
}

// MatchEvent returns the enabled workflows listening for ev whose filter
// accepts it. A filter that fails to evaluate does not match.
func (r *Router) MatchEvent(ctx context.Context, ev Event) ([]*schema.Workflow, error) {
	if ev.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	enabled := true
	workflows, err := r.source.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType: schema.TriggerEvent,
		Event:       ev.Name,
		Enabled:     &enabled,
	})
	if err != nil {
		return nil, err
	}

	var out []*schema.Workflow
	for _, wf := range workflows {
		ok, err := r.accepts(ctx, wf, ev)
		if err != nil {
			r.logger.Warn("event filter failed", "workflow_id", wf.ID, "event", ev.Name, "error", err)
			continue
		}
		if ok {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (r *Router) accepts(ctx context.Context, wf *schema.Workflow, ev Event) (bool, error) {
	filter := strings.TrimSpace(wf.Trigger.Filter)
	if filter == "" {
		return true, nil
	}
	if r.cel == nil {
		return false, schema.NewError(schema.ErrCodeExecutionFailed, "no CEL engine configured")
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return r.cel.Match(ctx, filter, map[string]any{
		"event":   map[string]any{"name": ev.Name, "source": ev.Source, "time": ts.Format(time.RFC3339)},
		"payload": payload,
		"vars":    staticVars(wf),
	})
}

// Fire runs every workflow matched by ev, one after another. The results of
// runs that started are returned even when others were rejected.
func (r *Router) Fire(ctx context.Context, ev Event, opts engine.RunOptions) ([]*schema.WorkflowExecutionResult, error) {
	matches, err := r.MatchEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	vars := withVariable(opts.Variables, VarEventName, schema.StringValue(ev.Name))
	vars = withVariable(vars, VarEventSource, schema.StringValue(ev.Source))
	vars = withVariable(vars, VarEventPayload, schema.JSONValue(ev.Payload))

	var results []*schema.WorkflowExecutionResult
	var errs []error
	for _, wf := range matches {
		runOpts := opts
		runOpts.RunID = ""
		runOpts.Variables = vars
		r.logger.Info("event trigger", "workflow_id", wf.ID, "event", ev.Name)
		res, err := r.runner.RunWorkflow(ctx, wf, runOpts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func staticVars(wf *schema.Workflow) map[string]any {
	out := make(map[string]any)
	for name, v := range wf.Variables {
		if v.Kind == schema.VarStatic && v.Value != nil {
			out[name] = v.Value.Native()
		}
	}
	return out
}

func withVariable(vars map[string]schema.VariableValue, name string, v schema.VariableValue) map[string]schema.VariableValue {
	out := make(map[string]schema.VariableValue, len(vars)+1)
	for k, val := range vars {
		out[k] = val
	}
	out[name] = v
	return out
}

// NormalizePhrase lowercases s, drops punctuation and collapses whitespace.
func NormalizePhrase(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
