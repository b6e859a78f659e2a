package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/state"
	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/pkg/schema"
)

func newResolver(t *testing.T) (*Resolver, *state.RecordStore, *state.VariableStore) {
	t.Helper()
	st := store.NewMemoryStore()
	records := state.NewRecordStore(st, "wf-test")
	vars := state.NewVariableStore(st, "wf-test")
	r := &Resolver{
		Stack:   state.NewContextStack(),
		Records: records,
		Vars:    vars,
	}
	return r, records, vars
}

// --- Current namespace ---

func TestResolver_CurrentInScope(t *testing.T) {
	r, _, _ := newResolver(t)
	r.Stack.Push("c_001", map[string]any{"email": "a@x", "score": 7})

	out, err := r.Resolve(context.Background(), "{{current.email}}")
	require.NoError(t, err)
	assert.Equal(t, "a@x", out)
}

func TestResolver_CurrentOutsideIteration(t *testing.T) {
	r, _, _ := newResolver(t)
	_, err := r.Resolve(context.Background(), "{{current.email}}")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeContext, err.(*schema.WeftError).Code)
}

func TestResolver_CurrentMissingPath(t *testing.T) {
	r, _, _ := newResolver(t)
	r.Stack.Push("c_001", map[string]any{"email": "a@x"})

	out, err := r.Resolve(context.Background(), "{{current.phone}}")
	require.NoError(t, err)
	assert.True(t, IsUndefined(out))
}

// --- Records namespace ---

func TestResolver_RecordRef(t *testing.T) {
	r, records, _ := newResolver(t)
	ctx := context.Background()
	_, err := records.Create(ctx, "company_001", "company", map[string]any{"name": "Acme"}, "n1")
	require.NoError(t, err)

	out, err := r.Resolve(ctx, "{{records.company_001.name}}")
	require.NoError(t, err)
	assert.Equal(t, "Acme", out)
}

func TestResolver_MissingRecordIsUndefined(t *testing.T) {
	r, _, _ := newResolver(t)
	out, err := r.Resolve(context.Background(), "{{records.ghost.name}}")
	require.NoError(t, err)
	assert.True(t, IsUndefined(out))
}

// --- Variable namespace ---

func TestResolver_VariableWholeRefKeepsType(t *testing.T) {
	r, _, vars := newResolver(t)
	ctx := context.Background()
	require.NoError(t, vars.Set(ctx, "extracted", map[string]any{"items": []any{"a", "b"}}))

	out, err := r.Resolve(ctx, "{{extracted.items}}")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestResolver_MissingVariableIsUndefined(t *testing.T) {
	r, _, _ := newResolver(t)
	out, err := r.Resolve(context.Background(), "{{ghost}}")
	require.NoError(t, err)
	assert.True(t, IsUndefined(out))
}

func TestResolver_HiddenVariableIsUndefined(t *testing.T) {
	r, _, vars := newResolver(t)
	ctx := context.Background()
	require.NoError(t, vars.Set(ctx, "secret", "s3cr3t"))
	r.Hidden = func(key string) bool { return key == "secret" }

	out, err := r.Resolve(ctx, "{{secret}}")
	require.NoError(t, err)
	assert.True(t, IsUndefined(out))
}

// --- Splicing ---

func TestResolver_EmbeddedRefsStringify(t *testing.T) {
	r, _, vars := newResolver(t)
	ctx := context.Background()
	require.NoError(t, vars.Set(ctx, "count", 3))
	r.Stack.Push("c_001", map[string]any{"name": "Acme"})

	out, err := r.Resolve(ctx, "company {{current.name}} has {{count}} leads")
	require.NoError(t, err)
	assert.Equal(t, "company Acme has 3 leads", out)
}

func TestResolver_UndefinedStringifiesEmpty(t *testing.T) {
	r, _, _ := newResolver(t)
	out, err := r.Resolve(context.Background(), "value: {{ghost}}!")
	require.NoError(t, err)
	assert.Equal(t, "value: !", out)
}

// --- Tree resolution ---

func TestResolver_Tree(t *testing.T) {
	r, records, _ := newResolver(t)
	ctx := context.Background()
	_, err := records.Create(ctx, "r1", "t", map[string]any{"v": 1}, "n1")
	require.NoError(t, err)
	_, err = records.Create(ctx, "r2", "t", map[string]any{"v": 2}, "n1")
	require.NoError(t, err)

	out, err := r.Resolve(ctx, map[string]any{
		"first":  "{{records.r1.v}}",
		"second": []any{"{{records.r2.v}}", 42},
		"plain":  true,
	})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, 1, m["first"])
	assert.Equal(t, []any{2, 42}, m["second"])
	assert.Equal(t, true, m["plain"])
}
