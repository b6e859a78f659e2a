package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weftflow/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, wf.Name, string(def),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, NotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(def), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		wf := &schema.Workflow{}
		if err := json.Unmarshal([]byte(def), wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	return err
}

// --- Records ---

const recordColumns = `workflow_id, record_id, record_type, data, status, error_message, seq, created_at, updated_at`

func (s *LibSQLStore) GetRecord(ctx context.Context, workflowID, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE workflow_id = ? AND record_id = ?`,
		workflowID, recordID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, NotFound("record", recordID)
	}
	return rec, err
}

func (s *LibSQLStore) GetRecords(ctx context.Context, workflowID string, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, workflowID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE workflow_id = ? AND record_id IN (`+placeholders+`) ORDER BY seq`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *LibSQLStore) QueryRecords(ctx context.Context, workflowID, pattern string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE workflow_id = ?`
	args := []any{workflowID}

	switch {
	case pattern == "*":
		// No extra predicate.
	case strings.HasSuffix(pattern, "*"):
		query += ` AND record_id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(strings.TrimSuffix(pattern, "*"))+"%")
	default:
		query += ` AND record_id = ?`
		args = append(args, pattern)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *LibSQLStore) UpsertRecord(ctx context.Context, workflowID, recordID string, mutate func(existing *Record) (*Record, error)) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE workflow_id = ? AND record_id = ?`,
		workflowID, recordID)
	existing, err := scanRecord(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
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
	next.UpdatedAt = now

	data, err := json.Marshal(next.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal record data: %w", err)
	}

	if existing == nil {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE workflow_id = ?`, workflowID).Scan(&seq); err != nil {
			return nil, err
		}
		next.Seq = seq
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			workflowID, recordID, next.RecordType, string(data), string(next.Status),
			nullStr(next.ErrorMessage), next.Seq, next.CreatedAt, next.UpdatedAt)
	} else {
		next.Seq = existing.Seq
		next.CreatedAt = existing.CreatedAt
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET record_type = ?, data = ?, status = ?, error_message = ?, updated_at = ?
			 WHERE workflow_id = ? AND record_id = ?`,
			next.RecordType, string(data), string(next.Status), nullStr(next.ErrorMessage),
			next.UpdatedAt, workflowID, recordID)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *LibSQLStore) DeleteRecord(ctx context.Context, workflowID, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE workflow_id = ? AND record_id = ?`, workflowID, recordID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("record", recordID)
	}
	return nil
}

func (s *LibSQLStore) DeleteRecords(ctx context.Context, workflowID, pattern string) (int, error) {
	query := `DELETE FROM records WHERE workflow_id = ?`
	args := []any{workflowID}
	switch {
	case pattern == "*":
	case strings.HasSuffix(pattern, "*"):
		query += ` AND record_id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(strings.TrimSuffix(pattern, "*"))+"%")
	default:
		query += ` AND record_id = ?`
		args = append(args, pattern)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Variables ---

func (s *LibSQLStore) PutVariable(ctx context.Context, v *Variable) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variables (workflow_id, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		v.WorkflowID, v.Key, string(v.Value), now, now)
	return err
}

func (s *LibSQLStore) GetVariable(ctx context.Context, workflowID, key string) (*Variable, error) {
	v := &Variable{WorkflowID: workflowID, Key: key}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at, updated_at FROM variables WHERE workflow_id = ? AND key = ?`,
		workflowID, key).Scan(&value, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, NotFound("variable", key)
	}
	if err != nil {
		return nil, err
	}
	v.Value = json.RawMessage(value)
	return v, nil
}

func (s *LibSQLStore) ListVariables(ctx context.Context, workflowID string) ([]*Variable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, created_at, updated_at FROM variables WHERE workflow_id = ? ORDER BY key`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Variable
	for rows.Next() {
		v := &Variable{WorkflowID: workflowID}
		var value string
		if err := rows.Scan(&v.Key, &value, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Value = json.RawMessage(value)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteVariable(ctx context.Context, workflowID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM variables WHERE workflow_id = ? AND key = ?`, workflowID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("variable", key)
	}
	return nil
}

func (s *LibSQLStore) ClearVariables(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM variables WHERE workflow_id = ?`, workflowID)
	return err
}

// --- Node states ---

func (s *LibSQLStore) UpsertNodeState(ctx context.Context, st *NodeState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_states (workflow_id, run_id, position, alias, status, result, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, run_id, position) DO UPDATE SET
		   alias=excluded.alias, status=excluded.status, result=excluded.result, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		st.WorkflowID, st.RunID, st.Position, st.Alias, string(st.Status),
		nullRaw(st.Result), nullRaw(st.Error), st.RetryCount,
		nullTime(st.StartedAt), nullTime(st.CompletedAt), st.DurationMs)
	return err
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, workflowID, runID string) ([]*NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, alias, status, result, error, retry_count, started_at, completed_at, duration_ms
		 FROM node_states WHERE workflow_id = ? AND run_id = ? ORDER BY position`,
		workflowID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeState
	for rows.Next() {
		st := &NodeState{WorkflowID: workflowID, RunID: runID}
		var status string
		var result, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&st.Position, &st.Alias, &status, &result, &errJSON,
			&st.RetryCount, &startedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		st.Status = schema.NodeStatus(status)
		st.Result = rawOrNil(result)
		st.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		st.DurationMs = durationMs.Int64
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ResetNodeStates(ctx context.Context, workflowID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM node_states WHERE workflow_id = ? AND run_id = ?`, workflowID, runID)
	return err
}

// --- Artifacts ---

func (s *LibSQLStore) AppendArtifact(ctx context.Context, a *Artifact) error {
	processing, err := json.Marshal(a.Processing)
	if err != nil {
		return fmt.Errorf("marshal processing events: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (workflow_id, run_id, node_id, execution_id, inputs, processing, outputs, forwarding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.WorkflowID, a.RunID, a.NodeID, a.ExecutionID,
		nullRaw(a.Inputs), string(processing), nullRaw(a.Outputs), nullRaw(a.Forwarding), a.CreatedAt)
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListArtifacts(ctx context.Context, workflowID string, filter ArtifactFilter) ([]*Artifact, error) {
	query := `SELECT id, run_id, node_id, execution_id, inputs, processing, outputs, forwarding, created_at
	          FROM artifacts WHERE workflow_id = ?`
	args := []any{workflowID}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, filter.NodeID)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{WorkflowID: workflowID}
		var inputs, processing, outputs, forwarding sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.NodeID, &a.ExecutionID,
			&inputs, &processing, &outputs, &forwarding, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Inputs = rawOrNil(inputs)
		a.Outputs = rawOrNil(outputs)
		a.Forwarding = rawOrNil(forwarding)
		if processing.Valid && processing.String != "" && processing.String != "null" {
			if err := json.Unmarshal([]byte(processing.String), &a.Processing); err != nil {
				return nil, fmt.Errorf("unmarshal processing events: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var data, status string
	var errMsg sql.NullString
	err := row.Scan(&rec.WorkflowID, &rec.RecordID, &rec.RecordType, &data, &status,
		&errMsg, &rec.Seq, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.RecordStatus(status)
	rec.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("unmarshal record data: %w", err)
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
