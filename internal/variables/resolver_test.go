package variables

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/pkg/schema"
)

type fakeCaller struct {
	mu     sync.Mutex
	calls  int
	result any
	err    error
}

func (f *fakeCaller) Call(_ context.Context, service, method string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func newResolver(t *testing.T, caller IntegrationCaller) *Resolver {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	return NewResolver(engines, caller)
}

func staticVar(v schema.VariableValue) schema.Variable { return schema.Static(v) }

func TestContext_RecordOutputIsWriteOnce(t *testing.T) {
	ec := NewContext("run-1", nil, nil)

	require.NoError(t, ec.RecordOutput("a", map[string]any{"stdout": "x"}))
	err := ec.RecordOutput("a", map[string]any{"stdout": "y"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	out, ok := ec.Output("a")
	require.True(t, ok)
	assert.Equal(t, "x", out["stdout"])
}

func TestContext_SetNeverMutatesDeclared(t *testing.T) {
	declared := map[string]schema.Variable{"env": staticVar(schema.StringValue("dev"))}
	ec := NewContext("run-1", declared, nil)
	r := newResolver(t, nil)

	ec.Set("env", schema.StringValue("prod"))

	v, err := r.Lookup(context.Background(), ec, nil, "env")
	require.NoError(t, err)
	assert.Equal(t, "prod", v.Text())
	assert.Equal(t, "dev", declared["env"].Value.Text())

	other := NewContext("run-2", declared, nil)
	v, err = r.Lookup(context.Background(), other, nil, "env")
	require.NoError(t, err)
	assert.Equal(t, "dev", v.Text(), "runs never share overlay bindings")
}

func TestContext_ErrorsKeepOrder(t *testing.T) {
	ec := NewContext("run-1", nil, nil)
	ec.AppendError("step a: boom")
	ec.AppendError("step b: bang")
	assert.Equal(t, []string{"step a: boom", "step b: bang"}, ec.Errors())
	assert.GreaterOrEqual(t, ec.Elapsed().Nanoseconds(), int64(0))
}

func TestResolver_RecordedOutputRoundTrip(t *testing.T) {
	ec := NewContext("run-1", nil, nil)
	r := newResolver(t, nil)

	recorded := map[string]any{"stdout": "ready\n", "exit_code": 0, "success": true}
	require.NoError(t, ec.RecordOutput("probe", recorded))

	seen, ok := ec.Output("probe")
	require.True(t, ok)
	assert.Equal(t, recorded, seen)

	v, err := r.StepOutput(context.Background(), ec, "probe", "stdout")
	require.NoError(t, err)
	assert.Equal(t, "ready\n", v.Text())

	v, err = r.Lookup(context.Background(), ec, nil, "steps.probe.success")
	require.NoError(t, err)
	assert.True(t, v.Equal(schema.BoolValue(true)))
}

func TestResolver_UndefinedReference(t *testing.T) {
	ec := NewContext("run-1", nil, nil)
	r := newResolver(t, nil)

	_, err := r.Lookup(context.Background(), ec, nil, "steps.later.stdout")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUndefinedReference))

	require.NoError(t, ec.RecordOutput("later", map[string]any{"stdout": "x"}))
	_, err = r.Lookup(context.Background(), ec, nil, "steps.later.nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUndefinedReference))

	_, err = r.Lookup(context.Background(), ec, nil, "ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUndefinedReference))
}

func TestResolver_LookupOrder(t *testing.T) {
	declared := map[string]schema.Variable{
		"name":   staticVar(schema.StringValue("declared")),
		"region": {Kind: schema.VarContext, Key: "user_region"},
	}
	session := Session{
		"name":        schema.StringValue("session"),
		"user_region": schema.StringValue("eu-west-1"),
		"only_here":   schema.NumberValue(7),
	}
	ec := NewContext("run-1", declared, session)
	r := newResolver(t, nil)
	ctx := context.Background()

	inputs := map[string]schema.Variable{"name": staticVar(schema.StringValue("input"))}
	v, err := r.Lookup(ctx, ec, inputs, "name")
	require.NoError(t, err)
	assert.Equal(t, "input", v.Text(), "step inputs come first")

	v, err = r.Lookup(ctx, ec, nil, "name")
	require.NoError(t, err)
	assert.Equal(t, "declared", v.Text(), "declared static beats session")

	v, err = r.Lookup(ctx, ec, nil, "only_here")
	require.NoError(t, err)
	assert.Equal(t, "7", v.Text())

	v, err = r.Lookup(ctx, ec, nil, "region")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", v.Text())
}

func TestResolver_DynamicBinding(t *testing.T) {
	declared := map[string]schema.Variable{
		"replicas": staticVar(schema.NumberValue(2)),
		"total":    {Kind: schema.VarDynamic, Expression: `vars.replicas * 3`},
		"label":    {Kind: schema.VarDynamic, Expression: `steps.build.stdout + "-" + context.user`},
	}
	ec := NewContext("run-1", declared, Session{"user": schema.StringValue("ana")})
	require.NoError(t, ec.RecordOutput("build", map[string]any{"stdout": "v1"}))
	r := newResolver(t, nil)

	v, err := r.Lookup(context.Background(), ec, nil, "total")
	require.NoError(t, err)
	assert.Equal(t, "6", v.Text())

	v, err = r.Lookup(context.Background(), ec, nil, "label")
	require.NoError(t, err)
	assert.Equal(t, "v1-ana", v.Text())
}

func TestResolver_IntegrationBindingCachedPerRun(t *testing.T) {
	caller := &fakeCaller{result: map[string]any{"token": map[string]any{"value": "s3cr3t"}}}
	declared := map[string]schema.Variable{
		"token": {Kind: schema.VarIntegration, Service: "vault", Key: "token.value"},
	}
	r := newResolver(t, caller)

	ec := NewContext("run-1", declared, nil)
	for range 3 {
		v, err := r.Lookup(context.Background(), ec, nil, "token")
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", v.Text())
	}
	assert.Equal(t, 1, caller.calls)

	_, err := r.Lookup(context.Background(), NewContext("run-2", declared, nil), nil, "token")
	require.NoError(t, err)
	assert.Equal(t, 2, caller.calls, "the cache never outlives a run")
}

func TestResolver_IntegrationFailurePropagates(t *testing.T) {
	caller := &fakeCaller{err: errors.New("connection refused")}
	declared := map[string]schema.Variable{"x": {Kind: schema.VarIntegration, Service: "crm", Key: "x"}}
	r := newResolver(t, caller)

	_, err := r.Lookup(context.Background(), NewContext("run-1", declared, nil), nil, "x")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeIntegration))
	assert.Contains(t, err.Error(), "connection refused")

	_, err = newResolver(t, nil).Lookup(context.Background(), NewContext("run-1", declared, nil), nil, "x")
	assert.True(t, schema.HasCode(err, schema.ErrCodeIntegration))
}

func TestResolver_Substitute(t *testing.T) {
	declared := map[string]schema.Variable{
		"dir":   staticVar(schema.StringValue("out")),
		"count": staticVar(schema.NumberValue(3)),
		"dry":   staticVar(schema.BoolValue(false)),
	}
	ec := NewContext("run-1", declared, nil)
	require.NoError(t, ec.RecordOutput("probe", map[string]any{"stdout": "ok"}))
	r := newResolver(t, nil)
	ctx := context.Background()

	got, err := r.Substitute(ctx, ec, nil, "mkdir -p ${dir} && echo ${count} ${ dry } ${steps.probe.stdout}")
	require.NoError(t, err)
	assert.Equal(t, "mkdir -p out && echo 3 false ok", got)

	got, err = r.Substitute(ctx, ec, nil, "no tokens here $HOME")
	require.NoError(t, err)
	assert.Equal(t, "no tokens here $HOME", got)

	_, err = r.Substitute(ctx, ec, nil, "rm ${missing}")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUndefinedReference))
}

func TestResolver_SubstituteValue(t *testing.T) {
	declared := map[string]schema.Variable{
		"count": staticVar(schema.NumberValue(3)),
		"who":   staticVar(schema.StringValue("ops")),
	}
	ec := NewContext("run-1", declared, nil)
	r := newResolver(t, nil)

	out, err := r.SubstituteValue(context.Background(), ec, nil, map[string]any{
		"replicas": "${count}",
		"message":  "hello ${who}",
		"tags":     []any{"${who}", 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"replicas": 3.0,
		"message":  "hello ops",
		"tags":     []any{"ops", 1.0},
	}, out)
}
