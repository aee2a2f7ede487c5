package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/pkg/schema"
)

func TestCEL_MatchPayload(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{
		"event":   map[string]any{"name": "deploy.finished"},
		"payload": map[string]any{"status": "ok", "replicas": int64(3)},
	}

	ok, err := e.Match(context.Background(), `payload.status == "ok" && payload.replicas > 2`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Match(context.Background(), `event.name.startsWith("build.")`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.Match(context.Background(), `size(vars) == 0 && !("x" in payload)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_NonBoolFilter(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Match(context.Background(), `"yes"`, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeType))
}

func TestCEL_CompileErrors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// only event, payload and vars are declared
	_, err = e.Evaluate(context.Background(), `os.env["HOME"]`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.Error(t, e.Check(`payload.status ==`))
	assert.NoError(t, e.Check(`payload.status == "ok"`))

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCEL_RuntimeError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `payload.missing == 1`, map[string]any{"payload": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecutionFailed))
}

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for range 3 {
		_, err := e.Evaluate(context.Background(), `1 + 1 == 2`, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.len())
}

func TestCEL_CheckRequiresBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, e.Check(`payload.free_pct < 5`))
	assert.NoError(t, e.Check(`payload.ok`), "dyn passes the static check")

	err = e.Check(`size(payload) + 1`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeType))

	assert.True(t, schema.HasCode(e.Check("  "), schema.ErrCodeValidation))
}
