package variables

import (
	"context"
	"regexp"
	"strings"

	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/pkg/schema"
)

// IntegrationCaller fetches values from named external services.
type IntegrationCaller interface {
	Call(ctx context.Context, service, method string, params map[string]any) (any, error)
}

// integrationGetMethod is the method invoked for integration-sourced bindings.
const integrationGetMethod = "get"

var tokenPattern = regexp.MustCompile(`\$\{\s*([^{}]+?)\s*\}`)

// Resolver resolves bindings against an execution context.
type Resolver struct {
	exprs  *expressions.ExprEngine
	jq     *expressions.GoJQEngine
	caller IntegrationCaller
}

// NewResolver creates a resolver. caller may be nil, in which case
// integration bindings fail with INTEGRATION_ERROR.
func NewResolver(engines *expressions.Engines, caller IntegrationCaller) *Resolver {
	return &Resolver{exprs: engines.Expr, jq: engines.JQ, caller: caller}
}

// Resolve evaluates a single binding.
func (r *Resolver) Resolve(ctx context.Context, ec *Context, b schema.Variable) (schema.VariableValue, error) {
	switch b.Kind {
	case schema.VarStatic:
		if b.Value == nil {
			return schema.StringValue(""), nil
		}
		return *b.Value, nil

	case schema.VarDynamic:
		out, err := r.exprs.Evaluate(ctx, b.Expression, ec.Snapshot())
		if err != nil {
			return schema.VariableValue{}, err
		}
		return schema.ValueOf(out), nil

	case schema.VarContext:
		if v, ok := ec.SessionValue(b.Key); ok {
			return v, nil
		}
		return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"session binding %q is not set", b.Key)

	case schema.VarStepOutput:
		return r.StepOutput(ctx, ec, b.Step, b.Key)

	case schema.VarIntegration:
		return r.integration(ctx, ec, b.Service, b.Key)

	default:
		return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown binding kind %q", b.Kind)
	}
}

// StepOutput returns the value at key inside the recorded output of stepID.
// A step that has not completed in this run is an UNDEFINED_REFERENCE.
func (r *Resolver) StepOutput(ctx context.Context, ec *Context, stepID, key string) (schema.VariableValue, error) {
	out, ok := ec.Output(stepID)
	if !ok {
		return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"step %q has not completed in this run", stepID)
	}
	if key == "" {
		return schema.JSONValue(out), nil
	}
	v, found, err := r.jq.Lookup(ctx, out, key)
	if err != nil {
		return schema.VariableValue{}, err
	}
	if !found {
		return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"step %q output has no key %q", stepID, key)
	}
	return schema.ValueOf(v), nil
}

func (r *Resolver) integration(ctx context.Context, ec *Context, service, key string) (schema.VariableValue, error) {
	cacheKey := service + "/" + key
	if v, ok := ec.cachedIntegration(cacheKey); ok {
		return v, nil
	}
	if r.caller == nil {
		return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeIntegration,
			"no integration caller configured for service %q", service)
	}

	res, err := r.caller.Call(ctx, service, integrationGetMethod, map[string]any{"key": key})
	if err != nil {
		return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeIntegration,
			"fetch %s from %s: %s", key, service, err.Error()).WithCause(err)
	}

	// services may answer with the value itself or with a document holding it
	if doc, ok := res.(map[string]any); ok && key != "" {
		if inner, found, err := r.jq.Lookup(ctx, doc, key); err == nil && found {
			res = inner
		}
	}
	v := schema.ValueOf(res)
	ec.cacheIntegration(cacheKey, v)
	return v, nil
}

// Lookup resolves a name for a step. Names of the form steps.<id>.<key> read
// recorded outputs. Other names are searched in order: the step's own inputs,
// bindings set during the run, declared static and dynamic variables, session
// bindings, then declared context and integration variables.
func (r *Resolver) Lookup(ctx context.Context, ec *Context, inputs map[string]schema.Variable, name string) (schema.VariableValue, error) {
	if rest, ok := strings.CutPrefix(name, "steps."); ok {
		stepID, key, _ := strings.Cut(rest, ".")
		return r.StepOutput(ctx, ec, stepID, key)
	}

	if b, ok := inputs[name]; ok {
		return r.Resolve(ctx, ec, b)
	}
	if v, ok := ec.Get(name); ok {
		return v, nil
	}

	declared, isDeclared := ec.Declared(name)
	if isDeclared && (declared.Kind == schema.VarStatic || declared.Kind == schema.VarDynamic) {
		return r.Resolve(ctx, ec, declared)
	}
	if v, ok := ec.SessionValue(name); ok {
		return v, nil
	}
	if isDeclared {
		return r.Resolve(ctx, ec, declared)
	}

	return schema.VariableValue{}, schema.NewErrorf(schema.ErrCodeUndefinedReference, "undefined variable %q", name)
}

// Substitute replaces every ${name} token in template with the canonical text
// of its value. An unresolved token is an error, never an empty string.
func (r *Resolver) Substitute(ctx context.Context, ec *Context, inputs map[string]schema.Variable, template string) (string, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}

	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		name := tokenPattern.FindStringSubmatch(tok)[1]
		v, err := r.Lookup(ctx, ec, inputs, name)
		if err != nil {
			firstErr = err
			return tok
		}
		return v.Text()
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// SubstituteValue walks a JSON-like value and substitutes every string leaf.
// A string that is exactly one token is replaced by the typed value.
func (r *Resolver) SubstituteValue(ctx context.Context, ec *Context, inputs map[string]schema.Variable, v any) (any, error) {
	switch x := v.(type) {
	case string:
		if m := tokenPattern.FindStringSubmatch(x); m != nil && m[0] == strings.TrimSpace(x) {
			val, err := r.Lookup(ctx, ec, inputs, m[1])
			if err != nil {
				return nil, err
			}
			return val.Native(), nil
		}
		return r.Substitute(ctx, ec, inputs, x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			s, err := r.SubstituteValue(ctx, ec, inputs, e)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			s, err := r.SubstituteValue(ctx, ec, inputs, e)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return v, nil
	}
}

// SubstituteAll substitutes each string of a slice.
func (r *Resolver) SubstituteAll(ctx context.Context, ec *Context, inputs map[string]schema.Variable, in []string) ([]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		v, err := r.Substitute(ctx, ec, inputs, s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// SubstituteMap substitutes each value of a string map.
func (r *Resolver) SubstituteMap(ctx context.Context, ec *Context, inputs map[string]schema.Variable, in map[string]string) (map[string]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make(map[string]string, len(in))
	for k, s := range in {
		v, err := r.Substitute(ctx, ec, inputs, s)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
