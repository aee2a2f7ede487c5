package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/riskflow/pkg/schema"
)

// validateWorkflowGraph checks the effective dependency graph of a workflow:
// cycles (Kahn's algorithm), dependencies on recovery steps, and steps that
// can never become ready.
func validateWorkflowGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		ids[s.ID] = true
	}
	recovery := wf.RecoverySteps()

	edges := make(map[string][]string, len(wf.Steps))
	for id, deps := range wf.Dependencies() {
		edges[id] = nil
		seen := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if !ids[dep] || dep == id || seen[dep] {
				continue // reported by the semantic pass
			}
			seen[dep] = true
			if recovery[dep] {
				result.AddErrorf(stepPath(wf, id)+".depends_on", schema.IssueRecoveryOnly,
					"depends on %q, which only runs as an alternative", dep)
				continue
			}
			edges[id] = append(edges[id], dep)
		}
	}

	if cycle := findCycle(edges); len(cycle) > 0 {
		result.AddErrorf("steps", schema.IssueCycle, "dependency cycle between steps %v", cycle)
	}
	return result
}

// validatePlanGraph checks that plan dependencies only name earlier steps.
// With that rule in place a plan cannot contain a cycle.
func validatePlanGraph(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	position := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		if _, dup := position[s.ID]; !dup {
			position[s.ID] = i
		}
	}
	for i, s := range plan.Steps {
		for j, dep := range s.Dependencies {
			path := fmt.Sprintf("steps[%d].dependencies[%d]", i, j)
			at, ok := position[dep]
			switch {
			case dep == s.ID:
				result.AddErrorf(path, schema.IssueSelfRef, "step %q depends on itself", s.ID)
			case !ok:
				result.AddErrorf(path, schema.IssueUnknownRef, "references non-existent step %q", dep)
			case at > i:
				result.AddErrorf(path, schema.IssueForwardRef, "references step %q, which appears later in the plan", dep)
			}
		}
	}
	return result
}

// findCycle returns the steps left over by Kahn's algorithm, sorted, or nil
// when the graph is acyclic.
func findCycle(edges map[string][]string) []string {
	inDegree := make(map[string]int, len(edges))
	reverse := make(map[string][]string, len(edges))
	for id, deps := range edges {
		inDegree[id] = len(deps)
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], id)
		}
	}

	queue := make([]string, 0, len(edges))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(inDegree) {
		return nil
	}

	var left []string
	for id, deg := range inDegree {
		if deg > 0 {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}

func stepPath(wf *schema.Workflow, id string) string {
	for i, s := range wf.Steps {
		if s.ID == id {
			return fmt.Sprintf("steps[%d]", i)
		}
	}
	return "steps"
}
