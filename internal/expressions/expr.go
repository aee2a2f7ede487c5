package expressions

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/riskflow/pkg/schema"
)

// ExprEngine evaluates dynamic variable bindings with expr-lang/expr over
// the {vars, steps, context} environment the resolver builds. Programs are
// compiled untyped, so a cached program keeps working when a variable
// changes type between runs.
//
// Besides the expr builtins, expressions may call getenv(name) and
// shellquote(s), the latter for values that end up in a command line.
type ExprEngine struct {
	cache   *programCache[*vm.Program]
	options []expr.Option
}

// NewExprEngine creates an engine with the riskflow builtins installed.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: newProgramCache[*vm.Program](),
		options: []expr.Option{
			expr.AllowUndefinedVariables(),
			expr.Function("getenv", func(params ...any) (any, error) {
				return os.Getenv(params[0].(string)), nil
			}, new(func(string) string)),
			expr.Function("shellquote", func(params ...any) (any, error) {
				return ShellQuote(fmt.Sprint(params[0])), nil
			}, new(func(any) string)),
		},
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment. Undefined
// identifiers evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "expression not evaluated").WithCause(err)
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// Check reports whether expression compiles.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.cache.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, e.options...)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return prg, nil
	})
}

// ShellQuote quotes s as a single POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Engine = (*ExprEngine)(nil)
