package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rendis/riskflow/pkg/schema"
)

// celVariables are the top-level names visible to trigger filters.
var celVariables = []string{"event", "payload", "vars"}

// filterCostLimit caps the evaluation cost of one filter so a pathological
// comprehension over a large payload cannot stall event routing.
const filterCostLimit = 1_000_000

// CELEngine evaluates event-trigger filters written in CEL against:
//   - event:   map(string, dyn), the envelope (name, source, time)
//   - payload: map(string, dyn), the event payload
//   - vars:    map(string, dyn), the workflow's static variables
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine with the trigger environment.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression. Variables absent from data are empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		activation[key] = map[string]any{}
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Match evaluates a filter that must produce a boolean.
func (e *CELEngine) Match(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeType, "filter %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// Check reports whether expression compiles as a filter: its static type
// must be bool, or dyn when it depends on payload fields.
func (e *CELEngine) Check(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return emptyExpression(e.Name())
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return compileError(e.Name(), expression, issues.Err())
	}
	switch out := ast.OutputType().String(); out {
	case "bool", "dyn":
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeType, "filter %q has type %s, want bool", expression, out)
	}
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.cache.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, compileError(e.Name(), src, issues.Err())
		}
		prg, err := e.env.Program(ast,
			cel.CostLimit(filterCostLimit),
			cel.InterruptCheckFrequency(100),
		)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)
