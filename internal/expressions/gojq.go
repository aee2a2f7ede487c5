package expressions

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/rendis/riskflow/pkg/schema"
)

// GoJQEngine runs jq queries over structured step and integration outputs.
// It backs steps.<id>.<key> references and integration key paths.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq query with data as input. A single result is returned
// as is; several results are collected into a slice.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.query(ctx, expression, normalizeForJQ(data))
}

var identKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// KeyPath turns a dotted key such as "result.items.0.name" into a jq path.
// Keys that already start with "." are treated as raw jq.
func KeyPath(key string) string {
	if strings.HasPrefix(key, ".") {
		return key
	}
	var b strings.Builder
	for _, part := range strings.Split(key, ".") {
		switch {
		case identKey.MatchString(part):
			b.WriteString("." + part)
		case isIndex(part):
			b.WriteString("[" + part + "]")
		default:
			b.WriteString("[" + strconv.Quote(part) + "]")
		}
	}
	return b.String()
}

// Lookup resolves key inside data. A null result reports found=false.
func (e *GoJQEngine) Lookup(ctx context.Context, data any, key string) (any, bool, error) {
	if key == "" {
		return data, data != nil, nil
	}
	out, err := e.query(ctx, KeyPath(key), normalizeForJQ(data))
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (e *GoJQEngine) query(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// program compiles expression with an empty environ, so $ENV and env are
// empty inside queries.
func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.cache.get(expression, func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return code, nil
	})
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// normalizeForJQ converts Go values into the types gojq accepts: maps of
// string to any, slices of any and float64 numbers.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = v
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case schema.VariableValue:
		return normalizeForJQ(val.Native())
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
