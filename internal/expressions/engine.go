package expressions

import "context"

// Engine evaluates a condition or transform expression against a data map.
// Three implementations: CEL and Expr (simple success-criteria conditions),
// GoJQ (jsonpath criteria and transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
