package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/pkg/schema"
)

func echoHandler(nodeType schema.NodeType) Handler {
	return Func{
		NodeType: nodeType,
		Fn: func(_ context.Context, req Request) (any, error) {
			return req.Input, nil
		},
	}
}

// --- Register / Get ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoHandler(schema.NodeTypeBrowser)))

	h, err := r.Get(schema.NodeTypeBrowser)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeTypeBrowser, h.Type())
	assert.True(t, r.Has(schema.NodeTypeBrowser))
}

func TestRegistry_DuplicateType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoHandler(schema.NodeTypeBrowser)))

	err := r.Register(echoHandler(schema.NodeTypeBrowser))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.WeftError).Code)
}

func TestRegistry_MissingHandlerIsCapacityError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(schema.NodeTypeReasoning)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapacity, err.(*schema.WeftError).Code)
}

func TestRegistry_RegisterNil(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(nil))
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoHandler(schema.NodeTypeReasoning)))
	require.NoError(t, r.Register(echoHandler(schema.NodeTypeBrowser)))

	assert.Equal(t, []schema.NodeType{schema.NodeTypeBrowser, schema.NodeTypeReasoning}, r.Types())
}
