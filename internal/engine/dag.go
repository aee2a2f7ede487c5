package engine

import (
	"github.com/rendis/riskflow/pkg/schema"
)

// DAG is the in-memory dependency graph of a workflow or plan. Built once per
// run, read-only afterwards, used by the Orchestrator to find ready steps.
type DAG struct {
	Steps    map[string]*schema.WorkflowStep // schedulable step ID → step
	Recovery map[string]*schema.WorkflowStep // steps that only run as alternatives
	Order    []string                        // schedulable steps in definition order
	Edges    map[string][]string             // step ID → dependencies
	Reverse  map[string][]string             // step ID → dependents
	Sorted   []string                        // topological order, ties broken by definition order
	Roots    []string                        // steps with no dependencies
	Levels   [][]string                      // parallel execution levels
}

// ParseWorkflow builds the DAG of a workflow. Steps without depends_on depend
// on the closest preceding schedulable step; recovery steps stay out of the
// graph.
func ParseWorkflow(wf *schema.Workflow) (*DAG, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	recovery := wf.RecoverySteps()
	deps := wf.Dependencies()
	dag := newDAG(len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if recovery[step.ID] {
			dag.Recovery[step.ID] = step
			continue
		}
		if err := dag.add(step, deps[step.ID]); err != nil {
			return nil, err
		}
	}
	if err := dag.link(); err != nil {
		return nil, err
	}
	return dag, nil
}

// ParsePlan builds the DAG of a plan. Plan steps use their declared
// dependencies only.
func ParsePlan(plan *schema.Plan) (*DAG, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if len(plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	dag := newDAG(len(plan.Steps))
	for _, ps := range plan.Steps {
		step := PlanStepToWorkflowStep(ps)
		if err := dag.add(step, ps.Dependencies); err != nil {
			return nil, err
		}
	}
	if err := dag.link(); err != nil {
		return nil, err
	}
	return dag, nil
}

// PlanStepToWorkflowStep converts a plan step into the command step that runs it.
func PlanStepToWorkflowStep(ps schema.PlanStep) *schema.WorkflowStep {
	return &schema.WorkflowStep{
		ID:        ps.ID,
		Name:      ps.Description,
		DependsOn: ps.Dependencies,
		Timeout:   ps.Timeout,
		Rollback:  ps.RollbackCommand,
		Action:    &schema.ExecuteCommand{Command: ps.Command},
	}
}

func newDAG(n int) *DAG {
	return &DAG{
		Steps:    make(map[string]*schema.WorkflowStep, n),
		Recovery: make(map[string]*schema.WorkflowStep),
		Edges:    make(map[string][]string, n),
		Reverse:  make(map[string][]string, n),
	}
}

func (dag *DAG) add(step *schema.WorkflowStep, deps []string) error {
	if step.ID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "step at position %d has empty ID", len(dag.Order))
	}
	if _, exists := dag.Steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
	}
	dag.Steps[step.ID] = step
	dag.Order = append(dag.Order, step.ID)
	dag.Edges[step.ID] = deps
	return nil
}

// link validates dependencies, fills Reverse and sorts the graph with Kahn's
// algorithm.
func (dag *DAG) link() error {
	position := make(map[string]int, len(dag.Order))
	for i, id := range dag.Order {
		position[id] = i
	}

	for _, id := range dag.Order {
		seen := make(map[string]bool, len(dag.Edges[id]))
		deps := make([]string, 0, len(dag.Edges[id]))
		for _, dep := range dag.Edges[id] {
			if dep == id {
				return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if _, ok := dag.Steps[dep]; !ok {
				if _, recovery := dag.Recovery[dep]; recovery {
					return schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on recovery step %s", id, dep)
				}
				return schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	inDegree := make(map[string]int, len(dag.Order))
	var queue []string
	for _, id := range dag.Order {
		inDegree[id] = len(dag.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = insertByPosition(queue, dep, position)
			}
		}
	}

	if len(sorted) != len(dag.Order) {
		return schema.NewError(schema.ErrCodeCycleDetected, "dependency graph contains a cycle")
	}
	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return nil
}

// computeLevels groups steps into parallel execution levels.
// Steps at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Sorted))
	maxLevel := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// insertByPosition keeps the queue ordered by definition position.
func insertByPosition(queue []string, id string, position map[string]int) []string {
	i := len(queue)
	for i > 0 && position[queue[i-1]] > position[id] {
		i--
	}
	queue = append(queue, "")
	copy(queue[i+1:], queue[i:])
	queue[i] = id
	return queue
}
