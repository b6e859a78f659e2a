package engine

import (
	"github.com/weftflow/weft/pkg/schema"
)

// ValidNodeTransitions defines the allowed node state transitions.
// Terminal statuses (completed, failed, skipped) have no outgoing edges.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}

// ValidateTransition checks a node state transition against the lifecycle
// table. Re-running a node requires an explicit reset to pending first; a
// terminal node never transitions in place.
func ValidateTransition(alias string, position int, from, to schema.NodeStatus) error {
	for _, allowed := range ValidNodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeExecution,
		"invalid node transition: %s -> %s", from, to).
		WithNode(alias, position)
}

// IsTerminal reports whether a node status is final.
func IsTerminal(s schema.NodeStatus) bool {
	return s == schema.NodeStatusCompleted || s == schema.NodeStatusFailed || s == schema.NodeStatusSkipped
}
