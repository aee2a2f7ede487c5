package store

import (
	"time"

	"github.com/rendis/riskflow/pkg/schema"
)

// ScheduledJob is the persisted schedule of a workflow with a cron trigger.
type ScheduledJob struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TriggerType schema.TriggerType `json:"trigger_type,omitempty"`
	Event       string             `json:"event,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Offset      int                `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	PlanID     string           `json:"plan_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time       `json:"since,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
