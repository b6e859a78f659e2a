package store

import (
	"encoding/json"
	"time"

	"github.com/weftflow/weft/pkg/schema"
)

// Record is the persisted representation of a progressively-enriched entity
// discovered during workflow execution. The (WorkflowID, RecordID) pair is
// unique; Seq preserves creation order for deterministic iteration.
type Record struct {
	WorkflowID   string              `json:"workflow_id"`
	RecordID     string              `json:"record_id"`
	RecordType   string              `json:"record_type"`
	Data         RecordData          `json:"data"`
	Status       schema.RecordStatus `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Seq          int64               `json:"seq"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// RecordData is the structured payload of a record.
// Fields hold the original discovered data (write-once by the creator);
// Vars hold values derived by nodes inside iteration; Targets are opaque
// references to external resources and never leave their own workflow;
// History is an append-only audit trail.
type RecordData struct {
	Fields  map[string]any `json:"fields,omitempty"`
	Vars    map[string]any `json:"vars,omitempty"`
	Targets map[string]any `json:"targets,omitempty"`
	History []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry is one append-only audit trail entry.
type HistoryEntry struct {
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	SourceNode string    `json:"source_node,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Variable is a workflow-scoped key/value entry.
type Variable struct {
	WorkflowID string          `json:"workflow_id"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NodeState is the materialized view of a node's state within one run.
type NodeState struct {
	WorkflowID  string            `json:"workflow_id"`
	RunID       string            `json:"run_id"`
	Position    int               `json:"position"`
	Alias       string            `json:"alias"`
	Status      schema.NodeStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Artifact is one append-only instrumentation capture: everything observed
// about a single node execution.
type Artifact struct {
	ID          int64             `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"` // node alias
	ExecutionID string            `json:"execution_id"`
	Inputs      json.RawMessage   `json:"inputs,omitempty"`
	Processing  []ProcessingEvent `json:"processing,omitempty"`
	Outputs     json.RawMessage   `json:"outputs,omitempty"`
	Forwarding  json.RawMessage   `json:"forwarding,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ProcessingEvent is one intermediate observation between input and output
// capture (e.g. a browser scan pass or a reasoning round-trip).
type ProcessingEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ArtifactFilter specifies criteria for listing artifacts.
type ArtifactFilter struct {
	RunID  string `json:"run_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
