// Package validation checks workflows and plans before anything runs:
// semantic checks over decoded definitions, graph checks over their
// dependencies, and JSON Schema checks over raw documents.
package validation

import (
	"github.com/robfig/cron/v3"

	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5-field cron expression or a descriptor such as @daily.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Validator runs the semantic and graph passes.
type Validator struct {
	engines *expressions.Engines
}

// NewValidator creates a Validator. engines may be nil to skip expression
// compilation checks.
func NewValidator(engines *expressions.Engines) *Validator {
	return &Validator{engines: engines}
}

// ValidateWorkflow runs both passes. The graph pass is skipped when the
// semantic pass found errors, since references may be broken.
func (v *Validator) ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.IssueRequired, "workflow is nil")
		return r
	}

	result := v.validateWorkflowSemantic(wf)
	if result.Valid() {
		result.Merge(validateWorkflowGraph(wf))
	}
	return result
}

// ValidatePlan runs both passes over a plan.
func (v *Validator) ValidatePlan(plan *schema.Plan) *schema.ValidationResult {
	if plan == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.IssueRequired, "plan is nil")
		return r
	}

	result := validatePlanSemantic(plan)
	result.Merge(validatePlanGraph(plan))
	return result
}

// CheckWorkflow returns a VALIDATION_ERROR for an invalid workflow.
func (v *Validator) CheckWorkflow(wf *schema.Workflow) error {
	return v.ValidateWorkflow(wf).ToError()
}

// CheckPlan returns a VALIDATION_ERROR for an invalid plan.
func (v *Validator) CheckPlan(plan *schema.Plan) error {
	return v.ValidatePlan(plan).ToError()
}
