package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/handoff/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() Env {
	return Env{
		Arguments: map[string]any{"query": "select 1"},
		Outputs: map[string]any{
			"raw_data": map[string]any{
				"rows": []any{map[string]any{"id": "r1"}, map[string]any{"id": "r2"}},
			},
		},
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	env := testEnv()

	tests := []struct {
		name string
		b    Binding
		want any
	}{
		{"constant", Constant(map[string]any{"k": "v"}), map[string]any{"k": "v"}},
		{"constant null", Constant(nil), nil},
		{"argument", FromArgument("query"), "select 1"},
		{"whole output", FromStep("raw_data"), env.Outputs["raw_data"]},
		{"field", FromStepField("raw_data", "rows[1].id"), "r2"},
		{"missing field is null", FromStepField("raw_data", "meta.page"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(ctx, tt.b, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_MissingArgumentIsCallerError(t *testing.T) {
	_, err := Resolve(context.Background(), FromArgument("absent"), testEnv())
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolve))
	assert.False(t, errors.Is(err, ErrOutputMissing))
}

func TestResolve_MissingOutput(t *testing.T) {
	for _, b := range []Binding{FromStep("summary"), FromStepField("summary", "text")} {
		_, err := Resolve(context.Background(), b, testEnv())
		require.ErrorIs(t, err, ErrOutputMissing)

		var missing *MissingOutputError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "summary", missing.Binding)
	}
}

func TestResolve_IsPure(t *testing.T) {
	env := testEnv()
	b := FromStepField("raw_data", "rows[0].id")
	first, err := Resolve(context.Background(), b, env)
	require.NoError(t, err)
	second, err := Resolve(context.Background(), b, env)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, env.Outputs, 1)
}

func TestResolveArguments(t *testing.T) {
	step := NewStep("summarize", "llm.summarize").
		Arg("rows", FromStepField("raw_data", "rows")).
		Arg("style", Constant("brief"))

	args, err := ResolveArguments(context.Background(), step, testEnv())
	require.NoError(t, err)
	assert.Equal(t, "brief", args["style"])
	assert.Len(t, args["rows"], 2)
}

func TestResolveArguments_StopsAtFirstFailure(t *testing.T) {
	step := NewStep("publish", "db.insert").
		Arg("text", FromStep("summary")).
		Arg("who", FromArgument("absent"))

	_, err := ResolveArguments(context.Background(), step, testEnv())
	assert.ErrorIs(t, err, ErrOutputMissing)

	step = NewStep("publish", "db.insert").Arg("who", FromArgument("absent"))
	_, err = ResolveArguments(context.Background(), step, testEnv())
	var he *schema.Error
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "publish", he.Step)
}
