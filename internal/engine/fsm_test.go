package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/pkg/schema"
)

func TestValidateTransition_Allowed(t *testing.T) {
	cases := []struct{ from, to schema.NodeStatus }{
		{schema.NodeStatusPending, schema.NodeStatusRunning},
		{schema.NodeStatusPending, schema.NodeStatusSkipped},
		{schema.NodeStatusRunning, schema.NodeStatusCompleted},
		{schema.NodeStatusRunning, schema.NodeStatusFailed},
	}
	for _, c := range cases {
		assert.NoError(t, ValidateTransition("n", 1, c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestValidateTransition_Rejected(t *testing.T) {
	cases := []struct{ from, to schema.NodeStatus }{
		{schema.NodeStatusPending, schema.NodeStatusCompleted},
		{schema.NodeStatusCompleted, schema.NodeStatusRunning},
		{schema.NodeStatusFailed, schema.NodeStatusRunning},
		{schema.NodeStatusSkipped, schema.NodeStatusRunning},
		{schema.NodeStatusRunning, schema.NodeStatusPending},
	}
	for _, c := range cases {
		err := ValidateTransition("n", 7, c.from, c.to)
		require.Error(t, err, "%s -> %s", c.from, c.to)
		we := err.(*schema.WeftError)
		assert.Equal(t, schema.ErrCodeExecution, we.Code)
		assert.Equal(t, 7, we.Position)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(schema.NodeStatusCompleted))
	assert.True(t, IsTerminal(schema.NodeStatusFailed))
	assert.True(t, IsTerminal(schema.NodeStatusSkipped))
	assert.False(t, IsTerminal(schema.NodeStatusPending))
	assert.False(t, IsTerminal(schema.NodeStatusRunning))
}
