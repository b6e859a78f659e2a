package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/pkg/schema"
)

// --- MatchPattern ---

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("*", "anything"))
	assert.True(t, MatchPattern("company_*", "company_001"))
	assert.False(t, MatchPattern("company_*", "person_001"))
	assert.True(t, MatchPattern("company_001", "company_001"))
	assert.False(t, MatchPattern("company_001", "company_002"))
}

// --- UpsertRecord ---

func TestMemoryStore_UpsertAssignsSeqOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	create := func(existing *Record) (*Record, error) {
		if existing != nil {
			return existing, nil
		}
		return &Record{RecordType: "t", Status: schema.RecordStatusDiscovered}, nil
	}

	a, err := m.UpsertRecord(ctx, "wf", "a", create)
	require.NoError(t, err)
	b, err := m.UpsertRecord(ctx, "wf", "b", create)
	require.NoError(t, err)
	assert.Less(t, a.Seq, b.Seq)

	// Re-upserting preserves Seq and CreatedAt.
	again, err := m.UpsertRecord(ctx, "wf", "a", create)
	require.NoError(t, err)
	assert.Equal(t, a.Seq, again.Seq)
	assert.Equal(t, a.CreatedAt, again.CreatedAt)
}

func TestMemoryStore_UpsertMutateError(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.UpsertRecord(context.Background(), "wf", "a", func(*Record) (*Record, error) {
		return nil, NotFound("record", "a")
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.WeftError).Code)
}

func TestMemoryStore_ReturnedRecordDoesNotAliasStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	rec, err := m.UpsertRecord(ctx, "wf", "a", func(*Record) (*Record, error) {
		return &Record{Data: RecordData{Fields: map[string]any{"n": 1}}}, nil
	})
	require.NoError(t, err)
	rec.Data.Fields["n"] = 99

	fresh, err := m.GetRecord(ctx, "wf", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Data.Fields["n"])
}

func TestMemoryStore_QueryOrderedBySeq(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"c_003", "c_001", "c_002"} {
		_, err := m.UpsertRecord(ctx, "wf", id, func(*Record) (*Record, error) {
			return &Record{RecordType: "c"}, nil
		})
		require.NoError(t, err)
	}

	recs, err := m.QueryRecords(ctx, "wf", "c_*")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c_003", recs[0].RecordID, "creation order, not lexical order")
}

func TestMemoryStore_DeleteRecords(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"temp:run1:x:001", "temp:run1:x:002", "keep_001"} {
		_, err := m.UpsertRecord(ctx, "wf", id, func(*Record) (*Record, error) {
			return &Record{}, nil
		})
		require.NoError(t, err)
	}

	n, err := m.DeleteRecords(ctx, "wf", "temp:run1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := m.QueryRecords(ctx, "wf", "*")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// --- Node states ---

func TestMemoryStore_NodeStateLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.UpsertNodeState(ctx, &NodeState{
		WorkflowID: "wf", RunID: "r1", Position: 2, Alias: "b", Status: schema.NodeStatusPending,
	}))
	require.NoError(t, m.UpsertNodeState(ctx, &NodeState{
		WorkflowID: "wf", RunID: "r1", Position: 1, Alias: "a", Status: schema.NodeStatusCompleted,
	}))

	states, err := m.ListNodeStates(ctx, "wf", "r1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, 1, states[0].Position, "sorted by position")

	require.NoError(t, m.ResetNodeStates(ctx, "wf", "r1"))
	states, err = m.ListNodeStates(ctx, "wf", "r1")
	require.NoError(t, err)
	assert.Empty(t, states)
}

// --- Artifacts ---

func TestMemoryStore_ArtifactFilter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.AppendArtifact(ctx, &Artifact{WorkflowID: "wf", RunID: "r1", NodeID: "a"}))
	require.NoError(t, m.AppendArtifact(ctx, &Artifact{WorkflowID: "wf", RunID: "r1", NodeID: "b"}))
	require.NoError(t, m.AppendArtifact(ctx, &Artifact{WorkflowID: "wf", RunID: "r2", NodeID: "a"}))

	out, err := m.ListArtifacts(ctx, "wf", ArtifactFilter{RunID: "r1"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = m.ListArtifacts(ctx, "wf", ArtifactFilter{NodeID: "a"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = m.ListArtifacts(ctx, "wf", ArtifactFilter{RunID: "r1", NodeID: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotZero(t, out[0].ID)
}
