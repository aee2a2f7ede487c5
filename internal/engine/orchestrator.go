// Package engine sequences workflow and plan steps over their dependency
// graph, applies error handling to failures and aggregates run results.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/internal/logging"
	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/internal/validation"
	"github.com/rendis/riskflow/internal/variables"
	"github.com/rendis/riskflow/pkg/schema"
)

const (
	// DefaultMaxConcurrency bounds concurrently running steps of one run.
	DefaultMaxConcurrency = 4
	// DefaultCancelGrace is how long a cancelled run waits for in-flight steps.
	DefaultCancelGrace = 5 * time.Second

	defaultFallbackID = "fallback"
)

// WorkflowSource looks up stored workflows for run_workflow steps.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *schema.RunRecord) error
}

// EventAppender receives the audit events of every run.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Config holds the collaborators of an Orchestrator. Dispatcher is required;
// everything else is optional.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Gate       *risk.Gate
	Confirmer  dispatch.Confirmer
	Validator  *validation.Validator
	Workflows  WorkflowSource
	Runs       RunRecorder
	Events     EventAppender
	// Observe, when set, sees every event as it is emitted.
	Observe func(*schema.Event)

	MaxConcurrency int
	CancelGrace    time.Duration
	// Mode is used by runs that do not set their own.
	Mode   schema.Mode
	Logger *slog.Logger
}

// RunOptions tune a single run.
type RunOptions struct {
	// RunID is generated when empty.
	RunID string
	// Mode overrides Config.Mode.
	Mode *schema.Mode
	// Session holds from-context bindings.
	Session variables.Session
	// Variables are overlaid on the declared variables before the first step.
	Variables map[string]schema.VariableValue
}

// RunInfo describes a run in progress.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	Depth      int       `json:"depth"`
	StartedAt  time.Time `json:"started_at"`
}

// Orchestrator runs workflows and plans. It is safe for concurrent use;
// every run owns its execution context, guard and step pool.
type Orchestrator struct {
	cfg           Config
	validator     *validation.Validator
	confirmations *dispatch.Confirmations
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// New creates an Orchestrator and binds it as the dispatcher's workflow
// runner.
func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = validation.NewValidator(nil)
	}

	o := &Orchestrator{
		cfg:           cfg,
		validator:     validator,
		confirmations: dispatch.NewConfirmations(cfg.Confirmer),
		logger:        logger,
		active:        make(map[string]*activeRun),
	}
	if cfg.Dispatcher != nil {
		cfg.Dispatcher.SetRunner(o)
	}
	return o
}

// scopeKey carries the mode and session of the enclosing run into nested
// runs.
type scopeKey struct{}

type runScope struct {
	mode    schema.Mode
	session variables.Session
}

// RunWorkflow validates and runs a workflow. Validation failures return a
// VALIDATION_ERROR before any step is dispatched; otherwise the result is
// returned even when the run failed.
func (o *Orchestrator) RunWorkflow(ctx context.Context, wf *schema.Workflow, opts RunOptions) (*schema.WorkflowExecutionResult, error) {
	if err := o.validator.CheckWorkflow(wf); err != nil {
		return nil, err
	}
	dag, err := ParseWorkflow(wf)
	if err != nil {
		return nil, err
	}

	r, err := o.newRun(ctx, dag, opts, wf.Variables)
	if err != nil {
		return nil, err
	}
	r.workflowID = wf.ID
	r.strategy = wf.ErrorHandling
	r.total = len(wf.Steps)
	return o.execute(ctx, r)
}

// RunPlan validates and runs a plan. The risk level a plan declares for a
// step acts as a floor for the classified tier.
func (o *Orchestrator) RunPlan(ctx context.Context, plan *schema.Plan, opts RunOptions) (*schema.WorkflowExecutionResult, error) {
	if err := o.validator.CheckPlan(plan); err != nil {
		return nil, err
	}
	dag, err := ParsePlan(plan)
	if err != nil {
		return nil, err
	}

	r, err := o.newRun(ctx, dag, opts, nil)
	if err != nil {
		return nil, err
	}
	r.planID = plan.ID
	r.total = len(plan.Steps)
	floors := make(map[string]schema.RiskTier, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.RiskLevel.Valid() {
			floors[s.ID] = s.RiskLevel
		}
	}
	r.guard.Floors = floors
	return o.execute(ctx, r)
}

// RunNested runs a stored workflow for a run_workflow step. The nested run
// inherits the mode and session of the enclosing run.
func (o *Orchestrator) RunNested(ctx context.Context, workflowID string, vars map[string]schema.VariableValue) (*schema.WorkflowExecutionResult, error) {
	if o.cfg.Workflows == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no workflow source configured")
	}
	wf, err := o.cfg.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionFailed, "workflow %s is disabled", workflowID)
	}

	opts := RunOptions{Variables: vars}
	if scope, ok := ctx.Value(scopeKey{}).(runScope); ok {
		mode := scope.mode
		opts.Mode = &mode
		opts.Session = scope.session
	}
	return o.RunWorkflow(ctx, wf, opts)
}

// Cancel cancels an active run. The run finishes as failed with CANCELLED.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %s", runID)
	}
	ar.cancel()
	return nil
}

// ActiveRuns lists the runs in progress, oldest first.
func (o *Orchestrator) ActiveRuns() []RunInfo {
	o.mu.Lock()
	out := make([]RunInfo, 0, len(o.active))
	for _, ar := range o.active {
		out = append(out, ar.info)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (o *Orchestrator) register(info RunInfo, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[info.RunID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already active", info.RunID)
	}
	o.active[info.RunID] = &activeRun{info: info, cancel: cancel}
	return nil
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

// --- run state ---

type stepState struct {
	step       *schema.WorkflowStep
	status     schema.StepStatus
	attempts   int
	dispatched bool
	// settled means no further attempt of the step will be made.
	settled   bool
	recovered bool
	fallback  bool
	result    *schema.StepResult
}

type retryRequest struct {
	id    string
	delay time.Duration
}

type stepDone struct {
	id      string
	outcome dispatch.Outcome
	started time.Time
}

type run struct {
	o          *Orchestrator
	id         string
	workflowID string
	planID     string
	dag        *DAG
	strategy   schema.ErrorStrategy
	total      int
	depth      int
	mode       schema.Mode
	session    variables.Session

	ec      *variables.Context
	guard   *dispatch.PolicyGuard
	sink    *eventSink
	stepFSM *StepFSM
	runFSM  *RunFSM
	pool    *StepPool
	results chan stepDone
	logger  *slog.Logger

	// Only the scheduling goroutine touches the fields below.
	states     map[string]*stepState
	ids        []string
	altFor     map[string]string
	budgets    Budgets
	queue      []retryRequest
	inflight   map[string]bool
	fallbackID string
	halted     bool
	haltErr    *schema.Error
	cancelled  bool
	stopAll    context.CancelFunc
	completion []string
	started    time.Time
}

func (o *Orchestrator) newRun(ctx context.Context, dag *DAG, opts RunOptions, declared map[string]schema.Variable) (*run, error) {
	if o.cfg.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeExecutionFailed, "no dispatcher configured")
	}
	id := opts.RunID
	if id == "" {
		id = uuid.NewString()
	}
	mode := o.cfg.Mode
	if opts.Mode != nil {
		mode = *opts.Mode
	}

	r := &run{
		o:        o,
		id:       id,
		dag:      dag,
		depth:    dispatch.Depth(ctx),
		mode:     mode,
		session:  opts.Session,
		ec:       variables.NewContext(id, declared, opts.Session),
		pool:     NewStepPool(o.cfg.MaxConcurrency),
		states:   make(map[string]*stepState, len(dag.Order)+len(dag.Recovery)),
		altFor:   make(map[string]string),
		inflight: make(map[string]bool),
		budgets:  Budgets{AlternativesUsed: make(map[string]bool)},
	}
	r.results = make(chan stepDone, r.pool.Size()+1)
	r.sink = newEventSink(id, o.cfg.Events, o.cfg.Observe, o.logger)
	r.stepFSM = NewStepFSM(r.sink.emit)
	r.runFSM = NewRunFSM(r.sink.emit)
	r.guard = &dispatch.PolicyGuard{
		RunID:         id,
		Gate:          o.cfg.Gate,
		Mode:          mode,
		Confirmations: o.confirmations,
		Events:        r.sink.emit,
	}
	for name, v := range opts.Variables {
		r.ec.Set(name, v)
	}

	for _, sid := range dag.Order {
		r.track(dag.Steps[sid])
	}
	recovery := make([]string, 0, len(dag.Recovery))
	for sid := range dag.Recovery {
		recovery = append(recovery, sid)
	}
	sort.Strings(recovery)
	for _, sid := range recovery {
		r.track(dag.Recovery[sid])
	}
	return r, nil
}

func (r *run) track(step *schema.WorkflowStep) *stepState {
	st := &stepState{
		step:   step,
		status: schema.StepStatusPending,
		result: &schema.StepResult{StepID: step.ID, Status: schema.StepStatusPending},
	}
	r.states[step.ID] = st
	r.ids = append(r.ids, step.ID)
	return st
}

// execute drives a run to completion. It is the only writer of step status
// and of the output map.
func (o *Orchestrator) execute(parent context.Context, r *run) (*schema.WorkflowExecutionResult, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx = logging.WithIDs(ctx, r.id, r.workflowID)
	ctx = context.WithValue(ctx, scopeKey{}, runScope{mode: r.mode, session: r.session})
	r.logger = logging.LogWith(ctx, o.logger)
	r.started = time.Now()
	r.budgets.RunRetriesLeft = r.strategy.Retries

	info := RunInfo{RunID: r.id, WorkflowID: r.workflowID, PlanID: r.planID, Depth: r.depth, StartedAt: r.started}
	if err := o.register(info, cancel); err != nil {
		return nil, err
	}
	defer o.unregister(r.id)

	_ = r.runFSM.Transition(ctx, schema.RunStatusRunning, map[string]any{
		"workflow_id": r.workflowID, "plan_id": r.planID, "mode": r.mode.String(), "depth": r.depth,
	})
	r.logger.Info("run started", "steps", r.total, "mode", r.mode.String())

	r.loop(ctx)
	r.pool.Close()
	r.finish(ctx)

	res := r.result()
	to := schema.RunStatusFailed
	if res.Success {
		to = schema.RunStatusCompleted
	}
	payload := map[string]any{"elapsed_ms": res.Elapsed.Milliseconds(), "errors": len(res.Errors)}
	if res.Error != nil {
		payload["error"] = res.Error.Message
		payload["code"] = res.Error.Code
	}
	_ = r.runFSM.Transition(ctx, to, payload)
	res.Status = r.runFSM.Status()

	o.record(ctx, res)
	r.logger.Info("run finished", "status", res.Status, "elapsed", res.Elapsed, "errors", len(res.Errors), "attempts", r.pool.Stats().Started)
	return res, nil
}

func (r *run) loop(ctx context.Context) {
	dispatchCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	r.stopAll = stopAll

	for {
		if ctx.Err() != nil {
			r.drain(ctx)
			return
		}
		r.schedule(ctx, dispatchCtx)
		if len(r.inflight) == 0 {
			return
		}
		select {
		case done := <-r.results:
			r.complete(ctx, done)
		case <-ctx.Done():
			r.drain(ctx)
			return
		}
	}
}

// schedule starts queued retries and ready steps while the pool has room.
// After a halt only the workflow fallback may still start.
func (r *run) schedule(ctx, dispatchCtx context.Context) {
	size := r.pool.Size()
	if r.halted {
		if r.fallbackID != "" && len(r.inflight) < size {
			id := r.fallbackID
			r.fallbackID = ""
			r.start(ctx, id, 0)
		}
		return
	}

	for len(r.queue) > 0 && len(r.inflight) < size && !r.halted {
		req := r.queue[0]
		r.queue = r.queue[1:]
		r.start(dispatchCtx, req.id, req.delay)
	}

	for changed := true; changed && !r.halted; {
		changed = false
		for _, id := range r.dag.Order {
			st := r.states[id]
			if st.dispatched || st.settled {
				continue
			}
			switch r.readiness(id) {
			case depsBlocked:
				r.skip(ctx, id)
				changed = true
			case depsMet:
				if len(r.inflight) < size {
					r.start(dispatchCtx, id, 0)
				}
			}
			if r.halted {
				return
			}
		}
	}
}

type depsState int

const (
	depsWaiting depsState = iota
	depsMet
	depsBlocked
)

// readiness reports whether every dependency of id succeeded or was
// recovered, and whether any can no longer do so.
func (r *run) readiness(id string) depsState {
	state := depsMet
	for _, dep := range r.dag.Edges[id] {
		ds := r.states[dep]
		switch {
		case !ds.settled:
			state = depsWaiting
		case ds.status == schema.StepStatusSucceeded || ds.recovered:
		default:
			return depsBlocked
		}
	}
	return state
}

func (r *run) skip(ctx context.Context, id string) {
	st := r.states[id]
	if err := r.stepFSM.Transition(ctx, id, st.status, schema.StepStatusSkipped, nil); err != nil {
		r.logger.Warn("skip step", "step_id", id, "error", err)
	}
	st.status = schema.StepStatusSkipped
	st.settled = true
	st.result.Status = schema.StepStatusSkipped
}

// start dispatches one attempt of a step on the pool. delay is waited on the
// worker, so the scheduling loop never sleeps.
func (r *run) start(ctx context.Context, id string, delay time.Duration) {
	st := r.states[id]
	payload := map[string]any{"attempt": st.attempts + 1}
	if delay > 0 {
		payload["delay_ms"] = delay.Milliseconds()
	}
	if err := r.stepFSM.Transition(ctx, id, st.status, schema.StepStatusRunning, payload); err != nil {
		r.logger.Error("start step", "step_id", id, "error", err)
		return
	}
	st.status = schema.StepStatusRunning
	st.dispatched = true
	st.attempts++
	r.inflight[id] = true

	step := st.step
	env := dispatch.Env{Run: r.ec, Guard: r.guard, Emit: r.sink.emit}
	var (
		outcome dispatch.Outcome
		started time.Time
	)
	err := r.pool.Go(ctx, id, func(ctx context.Context) error {
		if err := WaitForBackoff(ctx, delay); err != nil {
			outcome = cancelledOutcome(id, err)
			return outcome.Err
		}
		started = time.Now()
		outcome = r.o.cfg.Dispatcher.Dispatch(ctx, step, env)
		if outcome.Err != nil {
			return outcome.Err
		}
		return nil
	}, func(err error) {
		if pe, ok := err.(*StepPanic); ok {
			outcome = dispatch.Outcome{
				Status: schema.StepStatusFailed,
				Err:    schema.NewErrorf(schema.ErrCodeExecutionFailed, "panic: %v", pe.Value).WithStep(id),
			}
		}
		r.results <- stepDone{id: id, outcome: outcome, started: started}
	})
	if err != nil {
		r.complete(ctx, stepDone{id: id, outcome: cancelledOutcome(id, err)})
	}
}

func cancelledOutcome(id string, cause error) dispatch.Outcome {
	return dispatch.Outcome{
		Status: schema.StepStatusFailed,
		Err:    schema.NewError(schema.ErrCodeCancelled, "step cancelled before dispatch").WithStep(id).WithCause(cause),
	}
}

// complete records the outcome of one attempt and applies error handling.
func (r *run) complete(ctx context.Context, done stepDone) {
	delete(r.inflight, done.id)
	st := r.states[done.id]
	oc := done.outcome

	to := oc.Status
	if to != schema.StepStatusSucceeded && to != schema.StepStatusTimedOut {
		to = schema.StepStatusFailed
	}
	if to != schema.StepStatusSucceeded && oc.Err == nil {
		oc.Err = schema.NewError(schema.ErrCodeExecutionFailed, "step failed without an error").WithStep(done.id)
	}

	payload := map[string]any{"attempt": st.attempts}
	if oc.Err != nil {
		payload["error"] = oc.Err.Message
		payload["code"] = oc.Err.Code
	}
	if err := r.stepFSM.Transition(ctx, done.id, st.status, to, payload); err != nil {
		r.logger.Error("finish step", "step_id", done.id, "error", err)
	}
	st.status = to

	res := st.result
	res.Status = to
	res.Attempts = st.attempts
	res.Risk = oc.Risk
	res.Decision = oc.Decision
	res.Command = oc.Command
	res.Output = oc.Output
	res.Error = oc.Err
	if res.StartedAt.IsZero() {
		res.StartedAt = done.started
	}
	res.CompletedAt = time.Now()

	if to == schema.StepStatusSucceeded {
		st.settled = true
		if err := r.ec.RecordOutput(done.id, oc.Output); err != nil {
			r.logger.Warn("record output", "step_id", done.id, "error", err)
		}
		res.Rollback = r.rollbackText(ctx, st.step)
		r.completion = append(r.completion, done.id)
		if orig, ok := r.altFor[done.id]; ok {
			r.recover(ctx, orig, done.id)
		}
		return
	}

	r.ec.AppendError(fmt.Sprintf("step %s: %s", done.id, oc.Err.Message))
	if st.fallback || r.halted || ctx.Err() != nil {
		st.settled = true
		return
	}

	dec := Decide(Failure{StepID: done.id, Err: oc.Err, Attempts: st.attempts}, st.step.OnError, r.strategy, r.budgets)
	r.sink.emit(ctx, schema.EventErrorHandlerInvoked, done.id, map[string]any{
		"action": string(dec.Action), "reason": dec.Reason, "attempt": st.attempts, "code": oc.Err.Code,
	})
	r.logger.Debug("failure handled", "step_id", done.id, "action", dec.Action, "reason", dec.Reason)

	switch dec.Action {
	case ActionContinue:
		st.settled = true
		st.recovered = true
		res.Recovered = true
		if orig, ok := r.altFor[done.id]; ok {
			r.recover(ctx, orig, done.id)
		}

	case ActionRetry:
		if dec.RunRetry {
			r.budgets.RunRetriesLeft--
			r.sink.emit(ctx, schema.EventRunRetry, done.id, map[string]any{"retries_left": r.budgets.RunRetriesLeft})
		}
		r.queue = append(r.queue, retryRequest{id: done.id, delay: dec.Delay})

	case ActionAlternative:
		r.budgets.AlternativesUsed[dec.Target] = true
		alt, ok := r.states[dec.Target]
		if !ok || alt.dispatched {
			st.settled = true
			r.haltWith(oc.Err)
			return
		}
		r.altFor[dec.Target] = done.id
		r.queue = append(r.queue, retryRequest{id: dec.Target})

	case ActionFallback:
		st.settled = true
		r.budgets.FallbackUsed = true
		r.haltWith(dec.Err)
		fb := *r.strategy.Fallback
		if fb.ID == "" {
			fb.ID = defaultFallbackID
		}
		if _, exists := r.states[fb.ID]; !exists {
			r.track(&fb).fallback = true
			r.fallbackID = fb.ID
			r.sink.emit(ctx, schema.EventFallbackInvoked, done.id, map[string]any{"fallback_step": fb.ID})
		}

	default:
		st.settled = true
		r.haltWith(dec.Err)
	}
}

// recover marks orig as recovered by the step that ran in its place, and
// walks up chains of alternatives.
func (r *run) recover(ctx context.Context, orig, by string) {
	for orig != "" {
		st := r.states[orig]
		st.settled = true
		st.recovered = true
		st.result.Recovered = true
		st.result.RecoveredBy = by
		r.sink.emit(ctx, schema.EventStepRecovered, orig, map[string]any{"recovered_by": by})
		by = orig
		orig = r.altFor[orig]
	}
}

// haltWith stops all further dispatch and cancels in-flight siblings. The
// first halting error wins.
func (r *run) haltWith(err *schema.Error) {
	if r.halted {
		return
	}
	r.halted = true
	r.haltErr = err
	r.queue = nil
	if r.stopAll != nil {
		r.stopAll()
	}
}

// drain handles cancellation: nothing new starts and in-flight steps get
// CancelGrace to report back. Steps that do not are reported as leaked.
func (r *run) drain(ctx context.Context) {
	r.cancelled = true
	r.fallbackID = ""
	r.haltWith(schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
	r.sink.emit(ctx, schema.EventRunCancelled, "", map[string]any{"in_flight": r.pool.Running()})
	if len(r.inflight) == 0 {
		return
	}

	grace := time.NewTimer(r.o.cfg.CancelGrace)
	defer grace.Stop()
	for len(r.inflight) > 0 {
		select {
		case done := <-r.results:
			r.complete(ctx, done)
		case <-grace.C:
			leaked := make([]string, 0, len(r.inflight))
			for id := range r.inflight {
				leaked = append(leaked, id)
			}
			sort.Strings(leaked)
			for _, id := range leaked {
				r.leak(ctx, id)
			}
			return
		}
	}
}

func (r *run) leak(ctx context.Context, id string) {
	delete(r.inflight, id)
	st := r.states[id]
	err := schema.NewErrorf(schema.ErrCodeResourceLeak, "step did not stop within %s of cancellation", r.o.cfg.CancelGrace).WithStep(id)
	_ = r.stepFSM.Transition(ctx, id, st.status, schema.StepStatusFailed, map[string]any{"code": err.Code})
	st.status = schema.StepStatusFailed
	st.settled = true
	st.result.Status = schema.StepStatusFailed
	st.result.Error = err
	st.result.CompletedAt = time.Now()
	r.ec.AppendError(fmt.Sprintf("step %s: %s", id, err.Message))
	r.sink.emit(ctx, schema.EventResourceLeak, id, map[string]any{"grace_ms": r.o.cfg.CancelGrace.Milliseconds()})
	r.logger.Error("step leaked after cancellation", "step_id", id, "grace", r.o.cfg.CancelGrace)
}

// finish marks every step that never ran as skipped.
func (r *run) finish(ctx context.Context) {
	for _, id := range r.ids {
		if st := r.states[id]; st.status == schema.StepStatusPending {
			r.skip(ctx, id)
		}
	}
}

func (r *run) rollbackText(ctx context.Context, step *schema.WorkflowStep) string {
	if step.Rollback == "" {
		return ""
	}
	text, err := r.o.cfg.Dispatcher.Resolver().Substitute(ctx, r.ec, step.Inputs, step.Rollback)
	if err != nil {
		r.logger.Warn("rollback command not resolved", "step_id", step.ID, "error", err)
		return step.Rollback
	}
	return text
}

func (r *run) result() *schema.WorkflowExecutionResult {
	now := time.Now()
	if r.started.IsZero() {
		r.started = now
	}
	res := &schema.WorkflowExecutionResult{
		RunID:       r.id,
		WorkflowID:  r.workflowID,
		PlanID:      r.planID,
		Steps:       make(map[string]*schema.StepResult, len(r.states)),
		Outputs:     r.ec.Outputs(),
		Errors:      r.ec.Errors(),
		Error:       r.haltErr,
		TotalSteps:  r.total,
		Completion:  slices.Clone(r.completion),
		StartedAt:   r.started,
		CompletedAt: now,
		Elapsed:     now.Sub(r.started),
	}

	failed := r.halted
	for _, id := range r.ids {
		st := r.states[id]
		res.Steps[id] = st.result
		if !st.fallback && st.attempts > 0 {
			res.StepsExecuted++
		}
		if st.fallback || st.recovered {
			continue
		}
		if st.status == schema.StepStatusFailed || st.status == schema.StepStatusTimedOut {
			if _, isAlt := r.altFor[id]; isAlt {
				continue
			}
			failed = true
			if res.Error == nil {
				res.Error = st.result.Error
			}
		}
	}

	res.Success = !failed
	res.Status = schema.RunStatusFailed
	if res.Success {
		res.Status = schema.RunStatusCompleted
	}
	return res
}

func (o *Orchestrator) record(ctx context.Context, res *schema.WorkflowExecutionResult) {
	if o.cfg.Runs == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		o.logger.Warn("encode run result", "run_id", res.RunID, "error", err)
	}
	rec := &schema.RunRecord{
		ID:          res.RunID,
		WorkflowID:  res.WorkflowID,
		PlanID:      res.PlanID,
		Status:      res.Status,
		Success:     res.Success,
		Errors:      res.Errors,
		Result:      raw,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	if err := o.cfg.Runs.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		logging.LogWith(ctx, o.logger).Warn("save run", "error", err)
	}
}
