package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weftflow/weft/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// ephemeral runs; the libSQL store is the durable twin.
type MemoryStore struct {
	mu         sync.Mutex
	workflows  map[string]*schema.Workflow
	records    map[string]map[string]*Record   // workflow_id -> record_id -> record
	variables  map[string]map[string]*Variable // workflow_id -> key -> variable
	nodeStates map[string]map[int]*NodeState   // workflow_id/run_id -> position -> state
	artifacts  []*Artifact
	recordSeq  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*schema.Workflow),
		records:    make(map[string]map[string]*Record),
		variables:  make(map[string]map[string]*Variable),
		nodeStates: make(map[string]map[int]*NodeState),
	}
}

// --- Workflows ---

func (m *MemoryStore) PutWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, NotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

// --- Records ---

func (m *MemoryStore) GetRecord(_ context.Context, workflowID, recordID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[workflowID][recordID]
	if !ok {
		return nil, NotFound("record", recordID)
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) GetRecords(_ context.Context, workflowID string, ids []string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[workflowID][id]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (m *MemoryStore) QueryRecords(_ context.Context, workflowID, pattern string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for id, rec := range m.records[workflowID] {
		if MatchPattern(pattern, id) {
			out = append(out, cloneRecord(rec))
		}
	}
	// Creation order for deterministic iteration.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) UpsertRecord(_ context.Context, workflowID, recordID string, mutate func(existing *Record) (*Record, error)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Record
	if rec, ok := m.records[workflowID][recordID]; ok {
		existing = cloneRecord(rec)
	}

	next, err := mutate(existing)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return existing, nil
	}

	next.WorkflowID = workflowID
	next.RecordID = recordID
	now := time.Now().UTC()
	if existing == nil {
		m.recordSeq++
		next.Seq = m.recordSeq
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	} else {
		next.Seq = existing.Seq
		next.CreatedAt = existing.CreatedAt
	}
	next.UpdatedAt = now

	if m.records[workflowID] == nil {
		m.records[workflowID] = make(map[string]*Record)
	}
	m.records[workflowID][recordID] = cloneRecord(next)
	return next, nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, workflowID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[workflowID][recordID]; !ok {
		return NotFound("record", recordID)
	}
	delete(m.records[workflowID], recordID)
	return nil
}

func (m *MemoryStore) DeleteRecords(_ context.Context, workflowID, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id := range m.records[workflowID] {
		if MatchPattern(pattern, id) {
			delete(m.records[workflowID], id)
			deleted++
		}
	}
	return deleted, nil
}

// --- Variables ---

func (m *MemoryStore) PutVariable(_ context.Context, v *Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.variables[v.WorkflowID] == nil {
		m.variables[v.WorkflowID] = make(map[string]*Variable)
	}
	cp := *v
	now := time.Now().UTC()
	if prev, ok := m.variables[v.WorkflowID][v.Key]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.variables[v.WorkflowID][v.Key] = &cp
	return nil
}

func (m *MemoryStore) GetVariable(_ context.Context, workflowID, key string) (*Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variables[workflowID][key]
	if !ok {
		return nil, NotFound("variable", key)
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) ListVariables(_ context.Context, workflowID string) ([]*Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Variable, 0, len(m.variables[workflowID]))
	for _, v := range m.variables[workflowID] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DeleteVariable(_ context.Context, workflowID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variables[workflowID][key]; !ok {
		return NotFound("variable", key)
	}
	delete(m.variables[workflowID], key)
	return nil
}

func (m *MemoryStore) ClearVariables(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.variables, workflowID)
	return nil
}

// --- Node states ---

func runKey(workflowID, runID string) string { return workflowID + "/" + runID }

func (m *MemoryStore) UpsertNodeState(_ context.Context, st *NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKey(st.WorkflowID, st.RunID)
	if m.nodeStates[key] == nil {
		m.nodeStates[key] = make(map[int]*NodeState)
	}
	cp := *st
	m.nodeStates[key][st.Position] = &cp
	return nil
}

func (m *MemoryStore) ListNodeStates(_ context.Context, workflowID, runID string) ([]*NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := m.nodeStates[runKey(workflowID, runID)]
	out := make([]*NodeState, 0, len(states))
	for _, st := range states {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryStore) ResetNodeStates(_ context.Context, workflowID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodeStates, runKey(workflowID, runID))
	return nil
}

// --- Artifacts ---

func (m *MemoryStore) AppendArtifact(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.ID = int64(len(m.artifacts) + 1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.artifacts = append(m.artifacts, &cp)
	a.ID = cp.ID
	return nil
}

func (m *MemoryStore) ListArtifacts(_ context.Context, workflowID string, filter ArtifactFilter) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Artifact
	for _, a := range m.artifacts {
		if a.WorkflowID != workflowID {
			continue
		}
		if filter.RunID != "" && a.RunID != filter.RunID {
			continue
		}
		if filter.NodeID != "" && a.NodeID != filter.NodeID {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Lifecycle ---

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }
func (m *MemoryStore) Close() error                    { return nil }

// cloneRecord deep-copies a record so callers never alias live store state.
func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Data = RecordData{
		Fields:  cloneTree(rec.Data.Fields),
		Vars:    cloneTree(rec.Data.Vars),
		Targets: cloneTree(rec.Data.Targets),
		History: append([]HistoryEntry(nil), rec.Data.History...),
	}
	return &cp
}

func cloneTree(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = cloneValue(v)
	}
	return cp
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneTree(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	default:
		return v
	}
}

var _ Store = (*MemoryStore)(nil)
