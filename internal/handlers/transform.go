package handlers

import (
	"context"

	"github.com/weftflow/weft/internal/expressions"
	"github.com/weftflow/weft/pkg/schema"
)

// TransformHandler evaluates a configured expression against the node's
// scope. The engine is selected per node: "jq" for reshaping, "expr" for
// deterministic logic, "cel" for simple predicates.
type TransformHandler struct {
	engines map[string]expressions.Engine
}

// NewTransformHandler wires the engines used for transform nodes.
func NewTransformHandler(engines ...expressions.Engine) *TransformHandler {
	byName := make(map[string]expressions.Engine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}
	return &TransformHandler{engines: byName}
}

func (h *TransformHandler) Type() schema.NodeType { return schema.NodeTypeTransform }

func (h *TransformHandler) Execute(ctx context.Context, req Request) (any, error) {
	engineName, _ := req.Config["engine"].(string)
	if engineName == "" {
		engineName = "jq"
	}
	expression, _ := req.Config["expression"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform node requires an expression")
	}

	engine, ok := h.engines[engineName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapacity, "no expression engine named %q", engineName)
	}

	return engine.Evaluate(ctx, expression, req.Scope)
}

var _ Handler = (*TransformHandler)(nil)
