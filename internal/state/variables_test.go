package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/pkg/schema"
)

func newVarStore(t *testing.T) *VariableStore {
	t.Helper()
	return NewVariableStore(store.NewMemoryStore(), "wf-test")
}

// --- Set / Get ---

func TestVariableStore_SetGet(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	require.NoError(t, vs.Set(ctx, "threshold", 0.75))
	got, err := vs.Get(ctx, "threshold")
	require.NoError(t, err)
	assert.Equal(t, 0.75, got)
}

func TestVariableStore_GetMissing(t *testing.T) {
	vs := newVarStore(t)
	_, err := vs.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.WeftError).Code)
}

func TestVariableStore_GetAll(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	require.NoError(t, vs.Set(ctx, "a", 1))
	require.NoError(t, vs.Set(ctx, "b", map[string]any{"nested": true}))

	all, err := vs.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), all["a"], "values round-trip through JSON")
	assert.Equal(t, map[string]any{"nested": true}, all["b"])
}

// --- Schema validation ---

func TestVariableStore_SchemaRejectsInvalid(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	require.NoError(t, vs.DeclareSchema("count", json.RawMessage(`{"type":"integer","minimum":0}`)))

	require.NoError(t, vs.Set(ctx, "count", 3))

	err := vs.Set(ctx, "count", -1)
	require.Error(t, err)
	we := err.(*schema.WeftError)
	assert.Equal(t, schema.ErrCodeValidation, we.Code)
	assert.Equal(t, "count", we.Details["key"])
}

func TestVariableStore_FailedSetLeavesPriorValue(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	require.NoError(t, vs.DeclareSchema("mode", json.RawMessage(`{"type":"string","enum":["fast","slow"]}`)))
	require.NoError(t, vs.Set(ctx, "mode", "fast"))

	require.Error(t, vs.Set(ctx, "mode", "warp"))

	got, err := vs.Get(ctx, "mode")
	require.NoError(t, err)
	assert.Equal(t, "fast", got)
}

func TestVariableStore_DeclareSchemaInvalid(t *testing.T) {
	vs := newVarStore(t)
	err := vs.DeclareSchema("x", json.RawMessage(`{"type": nonsense}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.WeftError).Code)
}

// --- Delete / ClearAll / Watch ---

func TestVariableStore_Delete(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	require.NoError(t, vs.Set(ctx, "a", 1))
	require.NoError(t, vs.Delete(ctx, "a"))
	_, err := vs.Get(ctx, "a")
	require.Error(t, err)

	err = vs.Delete(ctx, "a")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.WeftError).Code)
}

func TestVariableStore_WatchFiresOnChanges(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	var seen []string
	vs.Watch(func(key string) { seen = append(seen, key) })

	require.NoError(t, vs.Set(ctx, "a", 1))
	require.NoError(t, vs.Delete(ctx, "a"))
	require.NoError(t, vs.ClearAll(ctx))

	assert.Equal(t, []string{"a", "a", "*"}, seen)
}

func TestVariableStore_WatchUnregisters(t *testing.T) {
	vs := newVarStore(t)
	ctx := context.Background()

	var seen []string
	unwatch := vs.Watch(func(key string) { seen = append(seen, key) })

	require.NoError(t, vs.Set(ctx, "a", 1))
	unwatch()
	require.NoError(t, vs.Set(ctx, "b", 2))

	assert.Equal(t, []string{"a"}, seen)
}

func TestVariableStore_WatchNotFiredOnFailedSet(t *testing.T) {
	vs := newVarStore(t)
	require.NoError(t, vs.DeclareSchema("n", json.RawMessage(`{"type":"number"}`)))

	fired := false
	vs.Watch(func(string) { fired = true })

	require.Error(t, vs.Set(context.Background(), "n", "not a number"))
	assert.False(t, fired)
}
