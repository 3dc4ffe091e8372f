package expressions

import "context"

// Engine evaluates an expression against a data map. Implementations cache
// compiled programs and are safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
