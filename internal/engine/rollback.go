package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/internal/logging"
	"github.com/rendis/riskflow/internal/variables"
	"github.com/rendis/riskflow/pkg/schema"
)

// Rollback runs the rollback commands recorded for the succeeded steps of a
// finished run, most recently completed first. Every command is gated like
// any other command under mode. A failing rollback does not stop the ones
// after it.
func (o *Orchestrator) Rollback(ctx context.Context, res *schema.WorkflowExecutionResult, mode schema.Mode) ([]schema.RollbackResult, error) {
	if res == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no run result to roll back")
	}
	if o.cfg.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no dispatcher configured")
	}

	ctx = logging.WithIDs(ctx, res.RunID, res.WorkflowID)
	logger := logging.LogWith(ctx, o.logger)
	sink := newEventSink(res.RunID, o.cfg.Events, o.cfg.Observe, o.logger)
	guard := &dispatch.PolicyGuard{
		RunID:         res.RunID,
		Gate:          o.cfg.Gate,
		Mode:          mode,
		Confirmations: o.confirmations,
		Events:        sink.emit,
	}
	// Rollback text was substituted when the step succeeded.
	env := dispatch.Env{Run: variables.NewContext(res.RunID, nil, nil), Guard: guard, Emit: sink.emit, Resolved: true}

	order := slices.Clone(res.Completion)
	slices.Reverse(order)

	var out []schema.RollbackResult
	for _, id := range order {
		sr := res.Steps[id]
		if sr == nil || sr.Status != schema.StepStatusSucceeded || sr.Rollback == "" {
			continue
		}
		step := &schema.WorkflowStep{
			ID:     fmt.Sprintf("%s.rollback", id),
			Action: &schema.ExecuteCommand{Command: sr.Rollback},
		}
		oc := o.cfg.Dispatcher.Dispatch(ctx, step, env)

		rr := schema.RollbackResult{
			StepID:  id,
			Command: sr.Rollback,
			Risk:    oc.Risk,
			Success: oc.Status == schema.StepStatusSucceeded,
		}
		if stdout, ok := oc.Output["stdout"].(string); ok {
			rr.Output = stdout
		}
		if oc.Err != nil {
			rr.Error = oc.Err.Message
			logger.Warn("rollback failed", "step_id", id, "error", oc.Err.Message)
		}
		sink.emit(ctx, schema.EventRollbackStep, id, map[string]any{
			"command": sr.Rollback, "success": rr.Success, "risk": string(rr.Risk),
		})
		out = append(out, rr)
	}
	return out, nil
}
