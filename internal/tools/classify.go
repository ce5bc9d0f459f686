package tools

import (
	"context"
	"errors"

	"github.com/rendis/handoff/internal/expressions"
)

// Classifier decides whether a plain tool error is retryable. Errors that are
// already a *Failure keep their own classification.
//
// Rules are CEL predicates over a "failure" map with keys tool, code and
// message, e.g. `failure.message.contains("timeout")`.
type Classifier struct {
	engine *expressions.CELEngine
	rule   string
}

// NewClassifier compiles the default rule. An empty rule classifies every
// plain error as permanent.
func NewClassifier(rule string) (*Classifier, error) {
	engine, err := expressions.NewCELEngine("failure")
	if err != nil {
		return nil, err
	}
	if rule != "" {
		if err := engine.Compile(rule); err != nil {
			return nil, err
		}
	}
	return &Classifier{engine: engine, rule: rule}, nil
}

// Check compiles rule without evaluating it.
func (c *Classifier) Check(rule string) error {
	return c.engine.Compile(rule)
}

// Classify converts err into a *Failure for tool. override, when non-empty,
// replaces the default rule.
func (c *Classifier) Classify(ctx context.Context, tool, override string, err error) *Failure {
	if f, ok := AsFailure(err); ok {
		if f.Tool == "" {
			f.Tool = tool
		}
		return f
	}

	f := &Failure{Tool: tool, Code: "tool_error", Message: err.Error(), Cause: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		f.Code = "cancelled"
		f.Retryable = true
		return f
	}

	rule := override
	if rule == "" && c != nil {
		rule = c.rule
	}
	if rule == "" || c == nil {
		return f
	}

	retry, evalErr := c.engine.EvaluateBool(ctx, rule, map[string]any{
		"failure": map[string]any{
			"tool":    f.Tool,
			"code":    f.Code,
			"message": f.Message,
		},
	})
	if evalErr == nil {
		f.Retryable = retry
	}
	return f
}
