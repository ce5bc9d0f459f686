package expressions

import "context"

// Engine evaluates an expression against a map environment.
// Three implementations: GoJQ (field projection and the jq tool), Expr (the
// expr.eval tool), CEL (failure classification).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
