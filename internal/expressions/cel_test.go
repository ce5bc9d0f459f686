package expressions

import (
	"context"
	"testing"

	"github.com/rendis/handoff/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
	assert.Equal(t, []string{"failure"}, e.vars)
}

func TestCEL_FailurePredicate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	rule := `failure.code == "timeout" || failure.message.contains("temporarily")`

	ok, err := e.EvaluateBool(context.Background(), rule, map[string]any{
		"failure": map[string]any{"code": "timeout", "message": "deadline"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), rule, map[string]any{
		"failure": map[string]any{"code": "bad_input", "message": "nope"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariableDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine("failure", "tool")
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(tool) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.True(t, schema.IsCode(e.Compile("failure.code =="), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(e.Compile("unknown_var"), schema.ErrCodeValidation))

	_, err = e.EvaluateBool(context.Background(), `"text"`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
