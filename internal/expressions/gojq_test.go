package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/pkg/schema"
)

func TestGoJQ_Name(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

// --- Evaluation ---

func TestGoJQ_Identity(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".", map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, out)
}

func TestGoJQ_FieldAccess(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"input": map[string]any{"items": []any{"x", "y"}},
	}
	out, err := e.Evaluate(context.Background(), ".input.items | length", data)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestGoJQ_IntNormalization(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out)
}

func TestGoJQ_NoOutputIsNil(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "empty", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

// --- Sandbox ---

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

// --- Failures ---

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.WeftError).Code)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[unclosed", nil)
	require.Error(t, err)
	we := err.(*schema.WeftError)
	assert.Equal(t, schema.ErrCodeValidation, we.Code)
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.a | .b`, map[string]any{"a": "scalar"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, err.(*schema.WeftError).Code)
}
