package store

import (
	"context"

	"github.com/rendis/riskflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Plans
	SavePlan(ctx context.Context, plan *schema.Plan) error
	GetPlan(ctx context.Context, id string) (*schema.Plan, error)
	ListPlans(ctx context.Context, limit int) ([]*schema.Plan, error)
	DeletePlan(ctx context.Context, id string) error

	// Run history
	SaveRun(ctx context.Context, run *schema.RunRecord) error
	GetRun(ctx context.Context, id string) (*schema.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunRecord, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error)

	// Scheduled jobs
	UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
