package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssues_EmptyHasNoError(t *testing.T) {
	var r Issues
	assert.True(t, r.Empty())
	assert.NoError(t, r.Err())
}

func TestIssue_Location(t *testing.T) {
	assert.Equal(t, "", Issue{Message: "workflow must have at least one step"}.Location())
	assert.Equal(t, `step "fetch" tool`, Issue{Step: "fetch", Field: "tool"}.Location())
	assert.Equal(t, `step "fetch" argument "sql"`, Issue{Step: "fetch", Argument: "sql"}.Location())
	assert.Equal(t, `argument "query": required argument is missing`,
		Issue{Argument: "query", Message: "required argument is missing"}.String())
}

func TestIssues_SingleStepIssue(t *testing.T) {
	r := Issues{Workflow: "summarize"}
	r.Addf("fetch", "sql", "references undeclared argument %q", "query")

	err := r.Err()
	require.Error(t, err)
	he, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, he.Code)
	assert.Equal(t, "fetch", he.Step)
	assert.Equal(t, `workflow "summarize": step "fetch" argument "sql": references undeclared argument "query"`, he.Message)
	assert.Equal(t, "summarize", he.Details["workflow"])
	assert.Equal(t, []Issue{{Step: "fetch", Argument: "sql", Message: `references undeclared argument "query"`}}, he.Details["issues"])
}

func TestIssues_ManyIssuesListedInOrder(t *testing.T) {
	r := Issues{Code: ErrCodeToolUnavailable}
	r.Add(Issue{Step: "a", Field: "tool", Message: "unknown tool x"})
	r.Add(Issue{Step: "b", Field: "tool", Message: "unknown tool y"})

	he := r.Err().(*Error)
	assert.Equal(t, ErrCodeToolUnavailable, he.Code)
	assert.Empty(t, he.Step, "several steps are at fault")
	assert.Equal(t, `2 problems: step "a" tool: unknown tool x; step "b" tool: unknown tool y`, he.Message)
	assert.NotContains(t, he.Details, "workflow")
	assert.Len(t, he.Details["issues"], 2)
}

func TestIssues_DetailsDoNotAlias(t *testing.T) {
	var r Issues
	r.Addf("", "q", "argument is declared twice")
	he := r.Err().(*Error)
	r.Addf("", "z", "later")
	assert.Len(t, he.Details["issues"], 1)
}

func TestIsCode(t *testing.T) {
	err := NewError(ErrCodeNotFound, "task not found")
	wrapped := fmt.Errorf("get: %w", err)

	assert.True(t, IsCode(wrapped, ErrCodeNotFound))
	assert.False(t, IsCode(wrapped, ErrCodeConflict))
	assert.False(t, IsCode(nil, ErrCodeNotFound))
	assert.Equal(t, "", CodeOf(fmt.Errorf("plain")))
}

func TestError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeToolFailed, "tool %s failed", "fetch").WithStep("fetch")
	assert.Equal(t, "[TOOL_FAILED] step fetch: tool fetch failed", err.Error())

	cause := fmt.Errorf("boom")
	err = NewError(ErrCodeStore, "write").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}
