package store

import (
	"context"
	"strings"

	"github.com/weftflow/weft/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. The engine never holds
// a store-wide lock: UpsertRecord is the per-key atomic compare-and-merge
// primitive that same-record concurrent writers go through.
type Store interface {
	// Workflows
	PutWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Records
	GetRecord(ctx context.Context, workflowID, recordID string) (*Record, error)
	GetRecords(ctx context.Context, workflowID string, ids []string) ([]*Record, error)
	QueryRecords(ctx context.Context, workflowID, pattern string) ([]*Record, error)
	// UpsertRecord atomically loads the record (nil when absent), applies
	// mutate, and persists the returned record. Seq and CreatedAt are
	// assigned on first insert and preserved afterwards.
	UpsertRecord(ctx context.Context, workflowID, recordID string, mutate func(existing *Record) (*Record, error)) (*Record, error)
	DeleteRecord(ctx context.Context, workflowID, recordID string) error
	DeleteRecords(ctx context.Context, workflowID, pattern string) (int, error)

	// Variables
	PutVariable(ctx context.Context, v *Variable) error
	GetVariable(ctx context.Context, workflowID, key string) (*Variable, error)
	ListVariables(ctx context.Context, workflowID string) ([]*Variable, error)
	DeleteVariable(ctx context.Context, workflowID, key string) error
	ClearVariables(ctx context.Context, workflowID string) error

	// Node states (per run)
	UpsertNodeState(ctx context.Context, st *NodeState) error
	ListNodeStates(ctx context.Context, workflowID, runID string) ([]*NodeState, error)
	ResetNodeStates(ctx context.Context, workflowID, runID string) error

	// Instrumentation artifacts (append-only)
	AppendArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, workflowID string, filter ArtifactFilter) ([]*Artifact, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// MatchPattern reports whether a record id matches a query pattern:
// "*" matches everything, "prefix_*" matches by prefix, anything else is an
// exact match.
func MatchPattern(pattern, id string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(id, prefix)
	}
	return pattern == id
}

// NotFound builds the canonical not-found error for a store entity.
func NotFound(kind, id string) *schema.WeftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}
