package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/google/uuid"

	"github.com/rendis/riskflow/pkg/schema"
)

// Supported database/sql driver names.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// LibSQLStore implements the Store interface on an embedded SQLite database,
// through either the libSQL driver or the pure-Go sqlite driver.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	return Open(DriverLibSQL, dbPath)
}

// Open opens a database with the named driver. An empty driver means libsql.
func Open(driver, dsn string) (*LibSQLStore, error) {
	switch driver {
	case "", DriverLibSQL:
		driver = DriverLibSQL
	case DriverSQLite:
		dsn = strings.TrimPrefix(dsn, "file:")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return storeErr("vacuum", err)
	}
	return nil
}

// --- Workflows ---

// SaveWorkflow inserts or replaces a workflow. An empty ID is assigned a
// fresh UUID; CreatedAt survives updates.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	trigger := wf.Trigger.Type
	if trigger == "" {
		trigger = schema.TriggerManual
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, trigger_type, voice_command, event_name, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		   trigger_type=excluded.trigger_type, voice_command=excluded.voice_command, event_name=excluded.event_name,
		   definition=excluded.definition, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, nullStr(wf.Description), string(trigger), nullStr(wf.Trigger.Command), nullStr(wf.Trigger.Event),
		string(def), wf.Enabled, millis(wf.CreatedAt), millis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow named %q already exists", wf.Name).WithCause(err)
		}
		return storeErr("save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT definition, created_at, updated_at FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT definition, created_at, updated_at FROM workflows WHERE name = ?`, name)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", name)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT definition, created_at, updated_at FROM workflows WHERE 1=1`
	var args []any

	if filter.TriggerType != "" {
		query += ` AND trigger_type = ?`
		args = append(args, string(filter.TriggerType))
	}
	if filter.Event != "" {
		query += ` AND event_name = ?`
		args = append(args, filter.Event)
	}
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *filter.Enabled)
	}
	query += ` ORDER BY created_at ASC, name ASC`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete workflow", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE workflow_id = ?`, id); err != nil {
		return storeErr("delete workflow schedule", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit delete workflow", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	var def string
	var created, updated int64
	if err := row.Scan(&def, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan workflow", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal([]byte(def), &wf); err != nil {
		return nil, storeErr("decode workflow", err)
	}
	wf.CreatedAt = fromMillis(created)
	wf.UpdatedAt = fromMillis(updated)
	return &wf, nil
}

// --- Plans ---

func (s *LibSQLStore) SavePlan(ctx context.Context, plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	plan.CreatedAt = timeOrNow(plan.CreatedAt)
	def, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, name, description, definition, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, definition=excluded.definition`,
		plan.ID, nullStr(plan.Name), nullStr(plan.Description), string(def), millis(plan.CreatedAt),
	)
	if err != nil {
		return storeErr("save plan", err)
	}
	return nil
}

func (s *LibSQLStore) GetPlan(ctx context.Context, id string) (*schema.Plan, error) {
	var def string
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT definition, created_at FROM plans WHERE id = ?`, id).Scan(&def, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("plan", id)
	}
	if err != nil {
		return nil, storeErr("get plan", err)
	}
	return decodePlan(def, created)
}

func (s *LibSQLStore) ListPlans(ctx context.Context, limit int) ([]*schema.Plan, error) {
	query, args := paginate(`SELECT definition, created_at FROM plans ORDER BY created_at DESC`, nil, limit, 0)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list plans", err)
	}
	defer rows.Close()

	var out []*schema.Plan
	for rows.Next() {
		var def string
		var created int64
		if err := rows.Scan(&def, &created); err != nil {
			return nil, storeErr("scan plan", err)
		}
		p, err := decodePlan(def, created)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeletePlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete plan", err)
	}
	return checkRowsAffected(res, "plan", id)
}

func decodePlan(def string, created int64) (*schema.Plan, error) {
	var p schema.Plan
	if err := json.Unmarshal([]byte(def), &p); err != nil {
		return nil, storeErr("decode plan", err)
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// --- Runs ---

// SaveRun inserts or replaces the summary of a run.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *schema.RunRecord) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run record requires an id")
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	var completed any
	if !run.CompletedAt.IsZero() {
		completed = millis(run.CompletedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, plan_id, status, success, errors, result, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, success=excluded.success, errors=excluded.errors,
		   result=excluded.result, completed_at=excluded.completed_at`,
		run.ID, nullStr(run.WorkflowID), nullStr(run.PlanID), string(run.Status), run.Success,
		string(errs), nullRaw(run.Result), millis(timeOrNow(run.StartedAt)), completed,
	)
	if err != nil {
		return storeErr("save run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, plan_id, status, success, errors, result, started_at, completed_at FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunRecord, error) {
	query := `SELECT id, workflow_id, plan_id, status, success, errors, result, started_at, completed_at FROM runs WHERE 1=1`
	var args []any

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, filter.PlanID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, millis(*filter.Since))
	}
	query += ` ORDER BY started_at DESC`
	query, args = paginate(query, args, filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*schema.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*schema.RunRecord, error) {
	r := &schema.RunRecord{}
	var workflowID, planID, errs, result sql.NullString
	var status string
	var started int64
	var completed sql.NullInt64
	err := row.Scan(&r.ID, &workflowID, &planID, &status, &r.Success, &errs, &result, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("scan run", err)
	}
	r.WorkflowID = workflowID.String
	r.PlanID = planID.String
	r.Status = schema.RunStatus(status)
	r.StartedAt = fromMillis(started)
	if completed.Valid {
		r.CompletedAt = fromMillis(completed.Int64)
	}
	if errs.Valid && errs.String != "" {
		if err := json.Unmarshal([]byte(errs.String), &r.Errors); err != nil {
			return nil, storeErr("decode run errors", err)
		}
	}
	r.Result = rawOrNil(result)
	return r, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

// GetEvents returns the events of a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error) {
	query := `SELECT id, event_id, run_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE event_type = ?`
	args := []any{eventType}

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ?`
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, millis(*filter.Since))
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	query, args = paginate(query, args, filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var rowID int64
		var stepID, payload sql.NullString
		if err := rows.Scan(&rowID, &e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, storeErr("decode event payload", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled Jobs ---

// UpsertScheduledJob stores the schedule of a workflow. A workflow has at
// most one job; saving again replaces its expression and enablement.
func (s *LibSQLStore) UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET cron_expression=excluded.cron_expression,
		   enabled=excluded.enabled, next_run_at=excluded.next_run_at`,
		job.ID, job.WorkflowID, job.CronExpression, job.Enabled,
		nullMillis(job.LastRunAt), nullMillis(job.NextRunAt), nullStr(job.LastRunStatus), millis(job.CreatedAt),
	)
	if err != nil {
		return storeErr("upsert scheduled job", err)
	}
	return s.db.QueryRowContext(ctx, `SELECT id FROM scheduled_jobs WHERE workflow_id = ?`, job.WorkflowID).Scan(&job.ID)
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return j, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	sets := []string{}
	args := []any{}

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, millis(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, millis(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE 1=1`
	var args []any
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *filter.Enabled)
	}
	query += ` ORDER BY created_at ASC`
	query, args = paginate(query, args, filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var lastRun, nextRun sql.NullInt64
	var status sql.NullString
	var created int64
	err := row.Scan(&j.ID, &j.WorkflowID, &j.CronExpression, &j.Enabled, &lastRun, &nextRun, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("scan scheduled job", err)
	}
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	j.LastRunStatus = status.String
	j.CreatedAt = fromMillis(created)
	return j, nil
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	return query, args
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Times are stored as unix milliseconds.
func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}
