package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier_KeepsFailure(t *testing.T) {
	c, err := NewClassifier(`true`)
	require.NoError(t, err)

	orig := Permanent("quota", "out of quota")
	f := c.Classify(context.Background(), "t", "", fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, f)
	assert.False(t, f.Retryable)
	assert.Equal(t, "t", f.Tool)
}

func TestClassifier_ContextErrorsAreRetryable(t *testing.T) {
	var c *Classifier
	f := c.Classify(context.Background(), "t", "", context.DeadlineExceeded)
	assert.True(t, f.Retryable)
	assert.Equal(t, "cancelled", f.Code)
}

func TestClassifier_NilDefaultsToPermanent(t *testing.T) {
	var c *Classifier
	f := c.Classify(context.Background(), "t", `true`, errors.New("x"))
	assert.False(t, f.Retryable)
	assert.Equal(t, "tool_error", f.Code)
}

func TestClassifier_BadRule(t *testing.T) {
	_, err := NewClassifier("failure.")
	assert.Error(t, err)
}
