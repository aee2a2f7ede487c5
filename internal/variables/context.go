// Package variables implements the per-run execution context: variable
// bindings, the write-once map of step outputs and the run's error list.
package variables

import (
	"maps"
	"sync"
	"time"

	"github.com/rendis/riskflow/pkg/schema"
)

// Session holds bindings supplied by the invoking session. It is read-only
// for the lifetime of a run.
type Session map[string]schema.VariableValue

// Context is the execution context of one run. It is never shared between
// runs; every accessor is safe for concurrent use by the run's steps.
type Context struct {
	RunID string

	declared map[string]schema.Variable
	session  Session
	started  time.Time

	mu          sync.RWMutex
	overlay     map[string]schema.VariableValue
	outputs     map[string]map[string]any
	integration map[string]schema.VariableValue
	errors      []string
}

// NewContext creates an execution context over the workflow's declared
// variables. The declared map is copied; the workflow is never mutated.
func NewContext(runID string, declared map[string]schema.Variable, session Session) *Context {
	return &Context{
		RunID:       runID,
		declared:    maps.Clone(declared),
		session:     maps.Clone(session),
		started:     time.Now(),
		overlay:     make(map[string]schema.VariableValue),
		outputs:     make(map[string]map[string]any),
		integration: make(map[string]schema.VariableValue),
	}
}

// Set overlays a binding for the rest of the run.
func (c *Context) Set(name string, v schema.VariableValue) {
	c.mu.Lock()
	c.overlay[name] = v
	c.mu.Unlock()
}

// Get returns an overlay binding set during this run.
func (c *Context) Get(name string) (schema.VariableValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.overlay[name]
	return v, ok
}

// Declared returns the workflow's declared binding for name.
func (c *Context) Declared(name string) (schema.Variable, bool) {
	v, ok := c.declared[name]
	return v, ok
}

// SessionValue returns a session binding.
func (c *Context) SessionValue(key string) (schema.VariableValue, bool) {
	v, ok := c.session[key]
	return v, ok
}

// RecordOutput stores a step's output. Each step ID is written at most once;
// a second write fails with CONFLICT.
func (c *Context) RecordOutput(stepID string, out map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "output of step %q already recorded", stepID).WithStep(stepID)
	}
	if out == nil {
		out = map[string]any{}
	}
	c.outputs[stepID] = out
	return nil
}

// Output returns the recorded output of a step.
func (c *Context) Output(stepID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[stepID]
	return out, ok
}

// Outputs returns a shallow copy of every recorded output.
func (c *Context) Outputs() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.outputs)
}

// AppendError records a failure message in run order.
func (c *Context) AppendError(msg string) {
	c.mu.Lock()
	c.errors = append(c.errors, msg)
	c.mu.Unlock()
}

// Errors returns the run's errors in the order they were recorded.
func (c *Context) Errors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.errors))
	copy(out, c.errors)
	return out
}

// Elapsed returns the time since the context was created.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.started)
}

// StartedAt returns the creation time of the context.
func (c *Context) StartedAt() time.Time {
	return c.started
}

// Snapshot returns the expression environment for this run:
//   - vars:    overlay bindings over declared static values
//   - steps:   recorded outputs keyed by step ID
//   - context: session bindings
func (c *Context) Snapshot() map[string]any {
	vars := make(map[string]any, len(c.declared))
	for name, b := range c.declared {
		if b.Kind == schema.VarStatic && b.Value != nil {
			vars[name] = b.Value.Native()
		}
	}

	c.mu.RLock()
	for name, v := range c.overlay {
		vars[name] = v.Native()
	}
	steps := make(map[string]any, len(c.outputs))
	for id, out := range c.outputs {
		steps[id] = out
	}
	c.mu.RUnlock()

	session := make(map[string]any, len(c.session))
	for k, v := range c.session {
		session[k] = v.Native()
	}

	return map[string]any{"vars": vars, "steps": steps, "context": session}
}

func (c *Context) cachedIntegration(key string) (schema.VariableValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.integration[key]
	return v, ok
}

func (c *Context) cacheIntegration(key string, v schema.VariableValue) {
	c.mu.Lock()
	c.integration[key] = v
	c.mu.Unlock()
}
