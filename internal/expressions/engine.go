package expressions

import "context"

// Scope keys exposed to every expression engine. "current" is the flattened
// view of the record in scope, "vars" holds workflow variables, "input" is
// the node's resolved input payload.
const (
	ScopeCurrent = "current"
	ScopeVars    = "vars"
	ScopeInput   = "input"
)

// Engine evaluates expressions against execution state.
// Three implementations: CEL (route conditions), GoJQ (transforms), Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
