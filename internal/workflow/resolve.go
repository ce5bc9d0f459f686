package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/handoff/internal/expressions"
	"github.com/rendis/handoff/pkg/schema"
)

// ErrOutputMissing is matched by every error reporting a step output that has
// not been produced yet. It is the only resolution failure that pauses a task.
var ErrOutputMissing = errors.New("step output not yet available")

// MissingOutputError names the output binding that is not yet present.
type MissingOutputError struct {
	Binding string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("output %q not yet available", e.Binding)
}

func (e *MissingOutputError) Is(target error) bool {
	return target == ErrOutputMissing
}

// Env is the data bindings resolve against.
type Env struct {
	Arguments map[string]any
	Outputs   map[string]any
}

var projector = expressions.NewGoJQEngine()

// Resolve evaluates a single binding. It has no side effects.
func Resolve(ctx context.Context, b Binding, env Env) (any, error) {
	switch b.Kind {
	case KindConstant:
		return b.Value, nil

	case KindFromArgument:
		v, ok := env.Arguments[b.Name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolve, "argument %q was not supplied", b.Name)
		}
		return v, nil

	case KindFromStep:
		v, ok := env.Outputs[b.Name]
		if !ok {
			return nil, &MissingOutputError{Binding: b.Name}
		}
		return v, nil

	case KindFromStepField:
		v, ok := env.Outputs[b.Name]
		if !ok {
			return nil, &MissingOutputError{Binding: b.Name}
		}
		if b.pathErr != nil {
			return nil, schema.NewError(schema.ErrCodeResolve, b.pathErr.Error()).WithCause(b.pathErr)
		}
		return projector.Project(ctx, b.path, v)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeResolve, "unknown binding kind %s", b.Kind)
	}
}

// ResolveArguments resolves every argument of s in declaration order and
// stops at the first failure. A *MissingOutputError means the step must wait.
func ResolveArguments(ctx context.Context, s Step, env Env) (map[string]any, error) {
	out := make(map[string]any, len(s.Args))
	for _, ab := range s.Args {
		v, err := Resolve(ctx, ab.Binding, env)
		if err != nil {
			var he *schema.Error
			if errors.As(err, &he) && he.Step == "" {
				he.WithStep(s.Name)
			}
			return nil, err
		}
		out[ab.Name] = v
	}
	return out, nil
}
