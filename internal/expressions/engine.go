package expressions

import "context"

// Engine evaluates a restricted, side-effect-free expression against a
// binding environment. Two implementations: CEL (default) and Expr.
// Neither permits statements, assignment, or host code execution.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, bindings map[string]any) (any, error)
}
