package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/pkg/schema"
)

// Clearance is a guard's permission to run an action. Action may differ
// from the one submitted when the user edited it during confirmation.
type Clearance struct {
	Action   schema.Action
	Tier     schema.RiskTier
	Decision schema.Decision
}

// Guard decides whether a resolved action may run. It is consulted after
// variable substitution, so the text it classifies is the text that runs.
type Guard interface {
	Clear(ctx context.Context, stepID string, action schema.Action) (Clearance, error)
}

// ConfirmationRequest describes an action awaiting a human decision.
type ConfirmationRequest struct {
	RunID   string          `json:"run_id"`
	StepID  string          `json:"step_id"`
	Summary string          `json:"summary"`
	Tier    schema.RiskTier `json:"tier"`
	Reason  string          `json:"reason"`
	CanEdit bool            `json:"can_edit"`
}

// ConfirmationResponse is the user's answer. Command carries the
// replacement text for an edit.
type ConfirmationResponse struct {
	Verdict schema.Verdict `json:"verdict"`
	Command string         `json:"command,omitempty"`
	Note    string         `json:"note,omitempty"`
}

// Confirmer asks a human to approve, deny, edit or revise an action.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error)
}

// Confirmations serialises requests to a single Confirmer. Waiting for the
// turn is cancellable.
type Confirmations struct {
	confirmer Confirmer
	turn      chan struct{}
}

// NewConfirmations wraps c. A nil Confirmer yields nil, meaning no
// confirmation surface is available.
func NewConfirmations(c Confirmer) *Confirmations {
	if c == nil {
		return nil
	}
	return &Confirmations{confirmer: c, turn: make(chan struct{}, 1)}
}

// Ask waits for its turn and forwards the request.
func (c *Confirmations) Ask(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return ConfirmationResponse{}, ctx.Err()
	}
	defer func() { <-c.turn }()
	return c.confirmer.Confirm(ctx, req)
}

// maxEdits bounds edit round-trips for one action.
const maxEdits = 5

// PolicyGuard classifies actions, applies the gate and, where the gate asks
// for it, obtains a confirmation. Approvals are remembered per step and
// command for the lifetime of the guard, so retries do not ask twice. Build
// one per run.
type PolicyGuard struct {
	RunID         string
	Gate          *risk.Gate
	Mode          schema.Mode
	Confirmations *Confirmations
	Events        EventFunc
	// Floors raises the classified tier of individual steps, e.g. to the
	// risk level a plan declares for them.
	Floors map[string]schema.RiskTier

	mu       sync.Mutex
	approved map[string]bool
}

// Clear implements Guard.
func (g *PolicyGuard) Clear(ctx context.Context, stepID string, action schema.Action) (Clearance, error) {
	for range maxEdits {
		text := Summary(action)
		tier := schema.MaxTier(tierOf(action), g.Floors[stepID])
		v := g.Gate.Evaluate(text, tier, g.Mode)
		g.Events.emit(ctx, schema.EventRiskClassified, stepID, map[string]any{
			"tier": string(tier), "decision": string(v.Decision), "summary": text,
		})

		switch v.Decision {
		case schema.DecisionProceed:
			return Clearance{Action: action, Tier: tier, Decision: v.Decision}, nil
		case schema.DecisionBlock:
			g.Events.emit(ctx, schema.EventPolicyBlocked, stepID, map[string]any{"reason": v.Reason})
			return Clearance{Tier: tier, Decision: v.Decision}, risk.BlockedError(stepID, text, v)
		}

		key := stepID + "\x00" + text
		if g.isApproved(key) {
			return Clearance{Action: action, Tier: tier, Decision: v.Decision}, nil
		}
		if g.Confirmations == nil {
			v.Reason = fmt.Sprintf("%s and no confirmation surface is available", v.Reason)
			g.Events.emit(ctx, schema.EventPolicyBlocked, stepID, map[string]any{"reason": v.Reason})
			return Clearance{Tier: tier, Decision: schema.DecisionBlock}, risk.BlockedError(stepID, text, v)
		}

		_, editable := action.(*schema.ExecuteCommand)
		g.Events.emit(ctx, schema.EventConfirmationAsked, stepID, map[string]any{"tier": string(tier), "summary": text})
		resp, err := g.Confirmations.Ask(ctx, ConfirmationRequest{
			RunID:   g.RunID,
			StepID:  stepID,
			Summary: text,
			Tier:    tier,
			Reason:  v.Reason,
			CanEdit: editable,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Clearance{}, schema.NewError(schema.ErrCodeCancelled, "cancelled while awaiting confirmation").WithStep(stepID).WithCause(err)
			}
			return Clearance{}, schema.NewErrorf(schema.ErrCodeConfirmationDenied, "confirmation failed: %s", err.Error()).WithStep(stepID).WithCause(err)
		}
		g.Events.emit(ctx, schema.EventConfirmationResolved, stepID, map[string]any{"verdict": string(resp.Verdict)})

		switch resp.Verdict {
		case schema.VerdictApprove:
			g.approve(key)
			return Clearance{Action: action, Tier: tier, Decision: v.Decision}, nil
		case schema.VerdictEdit:
			edited := strings.TrimSpace(resp.Command)
			if !editable || edited == "" {
				return Clearance{}, schema.NewError(schema.ErrCodeConfirmationDenied, "edit rejected: only commands can be edited").WithStep(stepID)
			}
			// the edited command goes through classification again
			action = &schema.ExecuteCommand{Command: edited}
		case schema.VerdictRevise:
			return Clearance{}, schema.NewErrorf(schema.ErrCodeRevisionRequested, "revision requested: %s", resp.Note).WithStep(stepID)
		default:
			return Clearance{}, schema.NewError(schema.ErrCodeConfirmationDenied, "denied by user").WithStep(stepID)
		}
	}
	return Clearance{}, schema.NewErrorf(schema.ErrCodeConfirmationDenied, "too many edits for one step").WithStep(stepID)
}

func (g *PolicyGuard) isApproved(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved[key]
}

func (g *PolicyGuard) approve(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.approved == nil {
		g.approved = make(map[string]bool)
	}
	g.approved[key] = true
}

// tierOf classifies resolved actions. Commands and scripts are classified
// by their text; everything else by kind.
func tierOf(action schema.Action) schema.RiskTier {
	return risk.Assess(action)
}

// Summary renders the text the gate sees for an action: the command or
// script content where there is one, a short description otherwise.
func Summary(action schema.Action) string {
	switch a := action.(type) {
	case *schema.ExecuteCommand:
		return a.Command
	case *schema.RunScript:
		return a.Content
	case *schema.BrowserStep:
		switch a.Action.Kind {
		case schema.BrowserNavigate:
			return fmt.Sprintf("browser navigate %s", a.Action.URL)
		case schema.BrowserExecuteScript:
			return fmt.Sprintf("browser execute_script %s", a.Action.Script)
		default:
			return fmt.Sprintf("browser %s %s", a.Action.Kind, a.Action.Selector)
		}
	case *schema.IntegrationCall:
		return fmt.Sprintf("integration %s.%s", a.Service, a.Method)
	case *schema.RunWorkflow:
		return fmt.Sprintf("run workflow %s", a.WorkflowID)
	case nil:
		return ""
	default:
		return string(action.StepType())
	}
}
