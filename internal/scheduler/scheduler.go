// Package scheduler runs workflows with a scheduled trigger on their cron
// expression, unattended.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/internal/validation"
	"github.com/rendis/riskflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs.
const DefaultInterval = 60 * time.Second

// Job run statuses recorded on the scheduled job.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Store is the part of the persistence layer the scheduler needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	UpsertScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// WorkflowRunner is satisfied by *engine.Orchestrator.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, wf *schema.Workflow, opts engine.RunOptions) (*schema.WorkflowExecutionResult, error)
}

// Scheduler polls the store for due scheduled jobs and runs them one at a
// time.
type Scheduler struct {
	store    Store
	runner   WorkflowRunner
	logger   *slog.Logger
	interval time.Duration
	safe     bool
	now      func() time.Time
	claims   claimSet

	mu   sync.Mutex
	loop *loopHandle
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSafeMode runs scheduled workflows in safe mode.
func WithSafeMode(safe bool) Option {
	return func(s *Scheduler) { s.safe = safe }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s Store, runner WorkflowRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	sc := &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		claims:   claimSet{held: make(map[string]bool)},
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// NextRun returns the first activation of cronExpr strictly after from.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := validation.ParseCron(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Sync makes the scheduled jobs match the stored workflows: one job per
// workflow with a scheduled trigger, enabled when the workflow is. Jobs of
// workflows that lost their schedule are removed. A job whose cron did not
// change keeps its next run.
func (s *Scheduler) Sync(ctx context.Context) error {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: schema.TriggerScheduled})
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	byWorkflow := make(map[string]*store.ScheduledJob, len(jobs))
	for _, j := range jobs {
		byWorkflow[j.WorkflowID] = j
	}

	now := s.now()
	scheduled := make(map[string]bool, len(workflows))
	for _, wf := range workflows {
		job, err := s.desiredJob(wf, byWorkflow[wf.ID], now)
		if err != nil {
			s.logger.Warn("skip workflow with invalid schedule",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		scheduled[wf.ID] = true
		if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
			return fmt.Errorf("upsert job for workflow %q: %w", wf.ID, err)
		}
	}

	for _, j := range jobs {
		if scheduled[j.WorkflowID] {
			continue
		}
		if err := s.store.DeleteScheduledJob(ctx, j.ID); err != nil {
			return fmt.Errorf("delete stale job %q: %w", j.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) desiredJob(wf *schema.Workflow, prev *store.ScheduledJob, now time.Time) (*store.ScheduledJob, error) {
	cronExpr := wf.Trigger.Cron
	job := &store.ScheduledJob{WorkflowID: wf.ID, CronExpression: cronExpr, Enabled: wf.Enabled}
	if prev != nil && prev.CronExpression == cronExpr && prev.NextRunAt != nil {
		job.NextRunAt = prev.NextRunAt
		return job, nil
	}
	next, err := NextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	job.NextRunAt = &next
	return job, nil
}

// Start launches the background loop. The first sweep happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.loop = h

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.tick(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop ends the loop and waits for the job in progress. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	h := s.loop
	s.loop = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	h.cancel()
	<-h.done
	s.logger.Info("scheduler stopped")
	return nil
}

// tick runs every enabled job whose next run is due. A job that never got
// a next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.sweep(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt == nil || !job.NextRunAt.After(now)
	})
	if err != nil {
		s.logger.Error("scheduler sweep failed", slog.String("error", err.Error()))
	}
}

// RecoverMissed runs once every enabled job whose next run passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	n, err := s.sweep(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt != nil && job.NextRunAt.Before(now)
	})
	if err != nil {
		return fmt.Errorf("recover missed jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", n))
	}
	return nil
}

// sweep runs the enabled jobs selected by due and reports how many ran
// without a bookkeeping error.
func (s *Scheduler) sweep(ctx context.Context, due func(*store.ScheduledJob, time.Time) bool) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list scheduled jobs: %w", err)
	}

	now := s.now()
	ran := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !due(job, now) || !s.claims.take(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.claims.drop(job.ID)
		if err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job_id", job.ID),
				slog.String("workflow_id", job.WorkflowID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ran++
	}
	return ran, nil
}

// runJob executes one scheduled job and moves it to its next activation,
// whatever the outcome of the run.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))
	log.Info("running scheduled job")

	wf, err := s.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		if rerr := s.record(ctx, job, now, StatusError); rerr != nil {
			log.Warn("record job status failed", slog.String("error", rerr.Error()))
		}
		return fmt.Errorf("load workflow %q: %w", job.WorkflowID, err)
	}

	// Nobody is watching a scheduled run; confirmations are never asked.
	mode := schema.Mode{Safe: s.safe, Unattended: true}
	res, err := s.runner.RunWorkflow(ctx, wf, engine.RunOptions{Mode: &mode})
	status := runStatus(res, err)
	switch status {
	case StatusError:
		log.Error("scheduled run rejected", slog.String("error", err.Error()))
	case StatusFailed:
		if res != nil {
			log = log.With(slog.String("run_id", res.RunID), slog.Int("errors", len(res.Errors)))
		}
		log.Warn("scheduled run failed")
	}
	return s.record(ctx, job, now, status)
}

func runStatus(res *schema.WorkflowExecutionResult, err error) string {
	switch {
	case err != nil:
		return StatusError
	case res == nil || !res.Success:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

func (s *Scheduler) record(ctx context.Context, job *store.ScheduledJob, ranAt time.Time, status string) error {
	next, err := NextRun(job.CronExpression, ranAt)
	if err != nil {
		return fmt.Errorf("next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &ranAt,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// claimSet keeps a job from running twice at once.
type claimSet struct {
	mu   sync.Mutex
	held map[string]bool
}

func (c *claimSet) take(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[id] {
		return false
	}
	c.held[id] = true
	return true
}

func (c *claimSet) drop(id string) {
	c.mu.Lock()
	delete(c.held, id)
	c.mu.Unlock()
}
