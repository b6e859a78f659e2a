package instrument

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/pkg/schema"
)

func testExec() Execution {
	return Execution{
		WorkflowID:  "wf1",
		RunID:       "run1",
		ExecutionID: "exec1",
		NodeAlias:   "fetch",
		Position:    3,
		StartedAt:   time.Now().UTC(),
	}
}

// --- Recorder ---

func TestRecorder_FlushesSingleArtifact(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRecorder(st)
	ctx := context.Background()
	exec := testExec()

	require.NoError(t, r.CaptureInputs(ctx, exec, map[string]any{"url": "https://x"}))

	// Nothing persisted until outputs are captured.
	artifacts, err := st.ListArtifacts(ctx, "wf1", store.ArtifactFilter{})
	require.NoError(t, err)
	assert.Empty(t, artifacts)

	require.NoError(t, r.RecordProcessing(ctx, exec, Event{Type: "scan_pass", Payload: map[string]any{"n": 1}}))
	require.NoError(t, r.RecordProcessing(ctx, exec, Event{Type: "scan_pass", Payload: map[string]any{"n": 2}}))
	require.NoError(t, r.CaptureOutputs(ctx, exec, map[string]any{"found": 2}))

	artifacts, err = st.ListArtifacts(ctx, "wf1", store.ArtifactFilter{RunID: "run1"})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	a := artifacts[0]
	assert.Equal(t, "fetch", a.NodeID)
	assert.Equal(t, "exec1", a.ExecutionID)
	assert.JSONEq(t, `{"url":"https://x"}`, string(a.Inputs))
	assert.JSONEq(t, `{"found":2}`, string(a.Outputs))
	require.Len(t, a.Processing, 2)
	assert.Equal(t, "scan_pass", a.Processing[0].Type)
}

func TestRecorder_ProcessingForUnknownExecution(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore())
	err := r.RecordProcessing(context.Background(), testExec(), Event{Type: "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInstrumentation, err.(*schema.WeftError).Code)
}

func TestRecorder_ScrubsTargets(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRecorder(st)
	ctx := context.Background()
	exec := testExec()

	require.NoError(t, r.CaptureInputs(ctx, exec, map[string]any{
		"url":     "https://x",
		"targets": map[string]any{"element": "opaque-handle"},
		"nested":  map[string]any{"targets": "also-gone", "keep": true},
	}))
	require.NoError(t, r.CaptureOutputs(ctx, exec, nil))

	artifacts, err := st.ListArtifacts(ctx, "wf1", store.ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	var inputs map[string]any
	require.NoError(t, json.Unmarshal(artifacts[0].Inputs, &inputs))
	assert.NotContains(t, inputs, "targets")
	nested := inputs["nested"].(map[string]any)
	assert.NotContains(t, nested, "targets")
	assert.Equal(t, true, nested["keep"])
}

func TestRecorder_NeverHides(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore())
	decision, err := r.DecideForwarding(context.Background(), testExec(), nil)
	require.NoError(t, err)
	assert.Nil(t, decision)
}

// --- Chain ---

type hidingPort struct {
	Nop
	keys []string
}

func (h hidingPort) DecideForwarding(context.Context, Execution, any) (*ForwardingDecision, error) {
	return &ForwardingDecision{HideKeys: h.keys}, nil
}

func TestChain_FirstNonNilDecisionWins(t *testing.T) {
	c := Chain{Nop{}, hidingPort{keys: []string{"secret"}}, hidingPort{keys: []string{"other"}}}
	decision, err := c.DecideForwarding(context.Background(), testExec(), nil)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, []string{"secret"}, decision.HideKeys)
}

func TestChain_FansOutCaptures(t *testing.T) {
	st1 := store.NewMemoryStore()
	st2 := store.NewMemoryStore()
	c := Chain{NewRecorder(st1), NewRecorder(st2)}
	ctx := context.Background()
	exec := testExec()

	require.NoError(t, c.CaptureInputs(ctx, exec, map[string]any{"a": 1}))
	require.NoError(t, c.CaptureOutputs(ctx, exec, map[string]any{"b": 2}))

	for _, st := range []*store.MemoryStore{st1, st2} {
		artifacts, err := st.ListArtifacts(ctx, "wf1", store.ArtifactFilter{})
		require.NoError(t, err)
		assert.Len(t, artifacts, 1)
	}
}

// --- WrapErr ---

func TestWrapErr(t *testing.T) {
	err := WrapErr("output capture", testExec(), assert.AnError)
	we := err.(*schema.WeftError)
	assert.Equal(t, schema.ErrCodeInstrumentation, we.Code)
	assert.Equal(t, "fetch", we.Alias)
	assert.Equal(t, 3, we.Position)
	assert.Contains(t, we.Message, "output capture")
}
