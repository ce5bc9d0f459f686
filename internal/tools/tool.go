package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool is a server-side capability a workflow step can invoke.
type Tool interface {
	Name() string
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor describes a tool's contract to callers and to input validation.
type Descriptor struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name           string     `json:"name"`
	Descriptor     Descriptor `json:"descriptor"`
	CallerExecuted bool       `json:"caller_executed"`
	Local          bool       `json:"local"`
}

// Failure is a tool failure annotated with whether repeating the same call
// may succeed.
type Failure struct {
	Tool      string `json:"tool,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("tool %s failed (%s): %s", f.Tool, f.Code, f.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", f.Tool, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Retryable builds a failure the caller may retry.
func Retryable(code, message string) *Failure {
	return &Failure{Code: code, Message: message, Retryable: true}
}

// Permanent builds a failure that ends the task.
func Permanent(code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
