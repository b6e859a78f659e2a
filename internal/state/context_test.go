package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/pkg/schema"
)

// --- Push / Pop / Current ---

func TestContextStack_CurrentOnEmpty(t *testing.T) {
	s := NewContextStack()
	_, err := s.Current()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeContext, err.(*schema.WeftError).Code)
}

func TestContextStack_PopOnEmpty(t *testing.T) {
	s := NewContextStack()
	err := s.Pop()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeContext, err.(*schema.WeftError).Code)
}

func TestContextStack_NestedFrames(t *testing.T) {
	s := NewContextStack()
	s.Push("outer_001", map[string]any{"name": "outer"})
	s.Push("inner_001", map[string]any{"name": "inner"})
	assert.Equal(t, 2, s.Depth())

	f, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, "inner_001", f.RecordID)

	require.NoError(t, s.Pop())
	f, err = s.Current()
	require.NoError(t, err)
	assert.Equal(t, "outer_001", f.RecordID)
}

func TestContextStack_PushSnapshotsData(t *testing.T) {
	data := map[string]any{"n": 1}
	s := NewContextStack()
	s.Push("rec", data)

	data["n"] = 2
	f, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, f.Data["n"])
}

// --- Refresh ---

func TestContextStack_RefreshUpdatesMatchingFrames(t *testing.T) {
	s := NewContextStack()
	s.Push("a", map[string]any{"v": 1})
	s.Push("b", map[string]any{"v": 1})
	s.Push("a", map[string]any{"v": 1})

	s.Refresh("a", map[string]any{"v": 2})

	f, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, f.Data["v"])

	require.NoError(t, s.Pop())
	f, _ = s.Current()
	assert.Equal(t, 1, f.Data["v"], "non-matching frame untouched")
}

// --- Fork ---

func TestContextStack_ForkIsIndependent(t *testing.T) {
	s := NewContextStack()
	s.Push("a", map[string]any{"v": 1})

	fork := s.Fork()
	fork.Push("b", map[string]any{"v": 2})

	assert.Equal(t, 1, s.Depth())
	assert.Equal(t, 2, fork.Depth())

	// Mutating the fork's copy of the shared frame does not leak back.
	f, err := fork.Current()
	require.NoError(t, err)
	require.NoError(t, fork.Pop())
	f, err = fork.Current()
	require.NoError(t, err)
	f.Data["v"] = 99

	orig, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, orig.Data["v"])
}
