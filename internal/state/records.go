package state

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/pkg/schema"
)

// CollisionMode controls what bulk creation does when a generated record ID
// already exists.
type CollisionMode string

const (
	// CollisionCreate treats an existing ID as a conflict.
	CollisionCreate CollisionMode = "create"
	// CollisionUpdate merges into the existing record and fails when missing.
	CollisionUpdate CollisionMode = "update"
	// CollisionUpsert creates when missing, merges when present.
	CollisionUpsert CollisionMode = "upsert"
)

var fieldPlaceholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RecordStore provides workflow-scoped record operations on top of the
// persistence layer. All mutations go through the store's atomic upsert, so
// concurrent iteration workers touching the same record serialize there.
type RecordStore struct {
	st         store.Store
	workflowID string
	refresh    func(recordID string, data map[string]any)
}

// NewRecordStore returns a record store bound to one workflow.
func NewRecordStore(st store.Store, workflowID string) *RecordStore {
	return &RecordStore{st: st, workflowID: workflowID}
}

// SetRefresher installs a callback invoked after every mutation with the
// record's fresh data view, so in-scope context frames stay current.
func (r *RecordStore) SetRefresher(fn func(recordID string, data map[string]any)) {
	r.refresh = fn
}

// View flattens a record into the map exposed to templates and expressions:
// fields at the top level, derived vars overlaid, plus reserved metadata
// keys. Targets are never exposed.
func View(rec *store.Record) map[string]any {
	out := DeepCopyMap(rec.Data.Fields)
	for k, v := range rec.Data.Vars {
		out[k] = DeepCopy(v)
	}
	out["_id"] = rec.RecordID
	out["_type"] = rec.RecordType
	out["_status"] = string(rec.Status)
	return out
}

// Create registers a record. Creating an ID that already exists is not an
// error: the existing record keeps its fields and a "created" history entry
// is appended, so re-runs remain observable without losing enrichment.
func (r *RecordStore) Create(ctx context.Context, recordID, recordType string, fields map[string]any, sourceNode string) (*store.Record, error) {
	if recordID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "record id must not be empty")
	}
	rec, err := r.st.UpsertRecord(ctx, r.workflowID, recordID, func(existing *store.Record) (*store.Record, error) {
		entry := store.HistoryEntry{Action: "created", Timestamp: time.Now().UTC(), SourceNode: sourceNode}
		if existing != nil {
			existing.Data.History = append(existing.Data.History, entry)
			return existing, nil
		}
		return &store.Record{
			RecordType: recordType,
			Status:     schema.RecordStatusDiscovered,
			Data: store.RecordData{
				Fields:  DeepCopyMap(fields),
				History: []store.HistoryEntry{entry},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	r.notify(rec)
	return rec, nil
}

// Update deep-merges patch into the record's data tree. Keys rooted
// "vars.", "targets." or "fields." land in that namespace; unrooted keys
// patch fields. Dotted keys descend into nested structures and keys absent
// from patch are untouched. Appends an "updated" history entry and
// refreshes any context frame holding the record.
func (r *RecordStore) Update(ctx context.Context, recordID string, patch map[string]any, sourceNode string) (*store.Record, error) {
	fields, vars, targets := splitRecordPatch(patch)
	rec, err := r.st.UpsertRecord(ctx, r.workflowID, recordID, func(existing *store.Record) (*store.Record, error) {
		if existing == nil {
			return nil, store.NotFound("record", recordID)
		}
		if len(fields) > 0 {
			if existing.Data.Fields == nil {
				existing.Data.Fields = map[string]any{}
			}
			DeepMerge(existing.Data.Fields, fields)
		}
		if len(vars) > 0 {
			if existing.Data.Vars == nil {
				existing.Data.Vars = map[string]any{}
			}
			DeepMerge(existing.Data.Vars, vars)
		}
		if len(targets) > 0 {
			if existing.Data.Targets == nil {
				existing.Data.Targets = map[string]any{}
			}
			DeepMerge(existing.Data.Targets, targets)
		}
		existing.Data.History = append(existing.Data.History, store.HistoryEntry{
			Action: "updated", Timestamp: time.Now().UTC(), SourceNode: sourceNode,
		})
		return existing, nil
	})
	if err != nil {
		return nil, err
	}
	r.notify(rec)
	return rec, nil
}

// splitRecordPatch routes patch keys into the record's data namespaces.
// "vars.x" patches vars under "x"; a bare "vars" key with a map value
// merges the whole map. Everything else patches fields.
func splitRecordPatch(patch map[string]any) (fields, vars, targets map[string]any) {
	fields = map[string]any{}
	vars = map[string]any{}
	targets = map[string]any{}
	for key, value := range patch {
		root, rest, dotted := strings.Cut(key, ".")
		var ns map[string]any
		switch root {
		case "vars":
			ns = vars
		case "targets":
			ns = targets
		case "fields":
			ns = fields
		default:
			fields[key] = value
			continue
		}
		if dotted {
			ns[rest] = value
			continue
		}
		if m, ok := value.(map[string]any); ok {
			for k, v := range m {
				ns[k] = v
			}
			continue
		}
		fields[key] = value
	}
	return fields, vars, targets
}

// SetVar stores a derived value on the record under the given name. Derived
// values live beside fields and shadow them in the flattened view.
func (r *RecordStore) SetVar(ctx context.Context, recordID, name string, value any, sourceNode string) (*store.Record, error) {
	rec, err := r.st.UpsertRecord(ctx, r.workflowID, recordID, func(existing *store.Record) (*store.Record, error) {
		if existing == nil {
			return nil, store.NotFound("record", recordID)
		}
		if existing.Data.Vars == nil {
			existing.Data.Vars = map[string]any{}
		}
		existing.Data.Vars[name] = DeepCopy(value)
		existing.Data.History = append(existing.Data.History, store.HistoryEntry{
			Action: "updated", Timestamp: time.Now().UTC(), SourceNode: sourceNode,
		})
		return existing, nil
	})
	if err != nil {
		return nil, err
	}
	r.notify(rec)
	return rec, nil
}

// SetStatus moves the record through its lifecycle and records why.
func (r *RecordStore) SetStatus(ctx context.Context, recordID string, status schema.RecordStatus, reason, sourceNode string) (*store.Record, error) {
	rec, err := r.st.UpsertRecord(ctx, r.workflowID, recordID, func(existing *store.Record) (*store.Record, error) {
		if existing == nil {
			return nil, store.NotFound("record", recordID)
		}
		existing.Status = status
		if status == schema.RecordStatusFailed {
			existing.ErrorMessage = reason
		}
		existing.Data.History = append(existing.Data.History, store.HistoryEntry{
			Action: "status:" + string(status), Timestamp: time.Now().UTC(),
			SourceNode: sourceNode, Reason: reason,
		})
		return existing, nil
	})
	if err != nil {
		return nil, err
	}
	r.notify(rec)
	return rec, nil
}

// Get fetches one record.
func (r *RecordStore) Get(ctx context.Context, recordID string) (*store.Record, error) {
	return r.st.GetRecord(ctx, r.workflowID, recordID)
}

// GetMany fetches a batch of records in one round trip. Missing IDs are
// simply absent from the result.
func (r *RecordStore) GetMany(ctx context.Context, ids []string) (map[string]*store.Record, error) {
	recs, err := r.st.GetRecords(ctx, r.workflowID, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*store.Record, len(recs))
	for _, rec := range recs {
		out[rec.RecordID] = rec
	}
	return out, nil
}

// Query returns records matching an ID pattern ("*", "prefix_*" or an exact
// ID), ordered by creation.
func (r *RecordStore) Query(ctx context.Context, pattern string) ([]*store.Record, error) {
	return r.st.QueryRecords(ctx, r.workflowID, pattern)
}

// Delete removes one record.
func (r *RecordStore) Delete(ctx context.Context, recordID string) error {
	return r.st.DeleteRecord(ctx, r.workflowID, recordID)
}

// DeleteAll removes every record matching the pattern and reports how many.
func (r *RecordStore) DeleteAll(ctx context.Context, pattern string) (int, error) {
	return r.st.DeleteRecords(ctx, r.workflowID, pattern)
}

// CreateBulk creates one record per item. IDs come from idPattern when it
// contains a {field} placeholder (substituted from the item), otherwise they
// are sequential "<type>_<NNN>" with zero-padded ordinals continuing from the
// highest existing ordinal of that type. Pattern-derived IDs can collide with
// existing records; mode decides what happens then.
func (r *RecordStore) CreateBulk(ctx context.Context, recordType, idPattern string, mode CollisionMode, items []map[string]any, sourceNode string) ([]*store.Record, error) {
	if mode == "" {
		mode = CollisionCreate
	}
	switch mode {
	case CollisionCreate, CollisionUpdate, CollisionUpsert:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown collision mode %q", mode)
	}

	next := 0
	if idPattern == "" {
		ordinal, err := r.nextOrdinal(ctx, recordType)
		if err != nil {
			return nil, err
		}
		next = ordinal
	}

	out := make([]*store.Record, 0, len(items))
	for i, item := range items {
		var id string
		if idPattern == "" {
			id = fmt.Sprintf("%s_%03d", recordType, next)
			next++
		} else {
			var err error
			id, err = expandIDPattern(idPattern, item)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "item %d: %s", i, err)
			}
		}

		rec, err := r.createOne(ctx, id, recordType, mode, item, sourceNode)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RecordStore) createOne(ctx context.Context, id, recordType string, mode CollisionMode, fields map[string]any, sourceNode string) (*store.Record, error) {
	rec, err := r.st.UpsertRecord(ctx, r.workflowID, id, func(existing *store.Record) (*store.Record, error) {
		now := time.Now().UTC()
		if existing == nil {
			if mode == CollisionUpdate {
				return nil, store.NotFound("record", id)
			}
			return &store.Record{
				RecordType: recordType,
				Status:     schema.RecordStatusDiscovered,
				Data: store.RecordData{
					Fields:  DeepCopyMap(fields),
					History: []store.HistoryEntry{{Action: "created", Timestamp: now, SourceNode: sourceNode}},
				},
			}, nil
		}
		if mode == CollisionCreate {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "record %q already exists", id)
		}
		if existing.Data.Fields == nil {
			existing.Data.Fields = map[string]any{}
		}
		DeepMerge(existing.Data.Fields, fields)
		existing.Data.History = append(existing.Data.History, store.HistoryEntry{
			Action: "updated", Timestamp: now, SourceNode: sourceNode,
		})
		return existing, nil
	})
	if err != nil {
		return nil, err
	}
	r.notify(rec)
	return rec, nil
}

// nextOrdinal scans existing records of the type and returns the ordinal
// after the highest "<type>_<NNN>" suffix found, starting at 1.
func (r *RecordStore) nextOrdinal(ctx context.Context, recordType string) (int, error) {
	existing, err := r.st.QueryRecords(ctx, r.workflowID, recordType+"_*")
	if err != nil {
		return 0, err
	}
	max := 0
	prefix := recordType + "_"
	for _, rec := range existing {
		n, err := strconv.Atoi(strings.TrimPrefix(rec.RecordID, prefix))
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func expandIDPattern(pattern string, item map[string]any) (string, error) {
	var missing string
	id := fieldPlaceholder.ReplaceAllStringFunc(pattern, func(match string) string {
		field := match[1 : len(match)-1]
		value, ok := item[field]
		if !ok || value == nil {
			missing = field
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
	if missing != "" {
		return "", fmt.Errorf("id pattern field %q missing from item", missing)
	}
	if id == "" {
		return "", fmt.Errorf("id pattern %q produced an empty id", pattern)
	}
	return id, nil
}

func (r *RecordStore) notify(rec *store.Record) {
	if r.refresh != nil && rec != nil {
		r.refresh(rec.RecordID, View(rec))
	}
}
