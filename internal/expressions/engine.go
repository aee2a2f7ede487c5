// Package expressions hosts the expression engines used by the run engine:
// expr for dynamic variable bindings, CEL for trigger filters and jq for key
// paths into structured step outputs.
package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/riskflow/pkg/schema"
)

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles one instance of each engine. Instances are safe for
// concurrent use and cache compiled programs, so share one bundle per process.
type Engines struct {
	Expr *ExprEngine
	CEL  *CELEngine
	JQ   *GoJQEngine
}

// NewEngines builds the default engine bundle.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	return &Engines{
		Expr: NewExprEngine(),
		CEL:  celEngine,
		JQ:   NewGoJQEngine(),
	}, nil
}

// maxCachedPrograms bounds each engine's program cache; expressions come
// from user definitions.
const maxCachedPrograms = 1024

// programCache memoises compiled programs by source text. When full it is
// emptied rather than evicting one entry at a time.
type programCache[P any] struct {
	mu       sync.Mutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

// get returns the program for src, compiling it on a miss. Two goroutines
// missing together may both compile; the result is the same.
func (c *programCache[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.Lock()
	p, ok := c.programs[src]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := compile(src)
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	if len(c.programs) >= maxCachedPrograms {
		clear(c.programs)
	}
	c.programs[src] = p
	c.mu.Unlock()
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// compileError reports an expression that does not compile.
func compileError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s expression %q does not compile: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError reports an expression that failed at run time.
func evalError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExecutionFailed, "%s expression %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
