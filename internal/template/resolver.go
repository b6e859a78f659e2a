package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftflow/weft/internal/state"
)

// Resolver substitutes {{...}} references against the execution state.
// Resolution order for a bare head is fixed: "current" always means the
// in-scope record, "records" always means the record namespace, anything
// else is a workflow variable.
type Resolver struct {
	Stack   *state.ContextStack
	Records *state.RecordStore
	Vars    *state.VariableStore
	// Hidden reports variable keys that resolve to Undefined: upstream
	// forwarding decisions filter what downstream nodes may see without
	// touching what was stored. Nil means nothing is hidden.
	Hidden func(key string) bool
}

// Resolve walks a JSON-like value tree and substitutes every reference.
// Record references are prefetched in a single batch, so resolving a tree
// referencing N distinct records costs one store round trip. A value that is
// exactly one reference keeps its resolved type; references embedded in
// larger strings are stringified in place.
func (r *Resolver) Resolve(ctx context.Context, value any) (any, error) {
	recordViews, err := r.prefetch(ctx, value)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, value, recordViews)
}

// ResolveString resolves a single string value; see Resolve.
func (r *Resolver) ResolveString(ctx context.Context, s string) (any, error) {
	return r.Resolve(ctx, s)
}

func (r *Resolver) prefetch(ctx context.Context, value any) (map[string]map[string]any, error) {
	ids := CollectRecordIDs(value)
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := r.Records.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make(map[string]map[string]any, len(recs))
	for id, rec := range recs {
		views[id] = state.View(rec)
	}
	return views, nil
}

func (r *Resolver) resolve(ctx context.Context, value any, views map[string]map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveText(ctx, v, views)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.resolve(ctx, item, views)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolve(ctx, item, views)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *Resolver) resolveText(ctx context.Context, s string, views map[string]map[string]any) (any, error) {
	if ref, ok := IsWholeRef(s); ok {
		return r.resolveRef(ctx, ref, views)
	}
	refs := ParseRefs(s)
	if len(refs) == 0 {
		return s, nil
	}
	var b strings.Builder
	remaining := s
	for _, ref := range refs {
		idx := strings.Index(remaining, ref.Raw)
		if idx < 0 {
			continue
		}
		b.WriteString(remaining[:idx])
		resolved, err := r.resolveRef(ctx, ref, views)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(resolved))
		remaining = remaining[idx+len(ref.Raw):]
	}
	b.WriteString(remaining)
	return b.String(), nil
}

func (r *Resolver) resolveRef(ctx context.Context, ref Ref, views map[string]map[string]any) (any, error) {
	switch ref.Kind {
	case KindCurrent:
		frame, err := r.Stack.Current()
		if err != nil {
			return nil, err
		}
		return pathOrUndefined(frame.Data, ref.Path), nil

	case KindRecord:
		view, ok := views[ref.ID]
		if !ok {
			return Undefined{}, nil
		}
		return pathOrUndefined(view, ref.Path), nil

	default:
		if r.Hidden != nil && r.Hidden(ref.ID) {
			return Undefined{}, nil
		}
		value, err := r.Vars.Get(ctx, ref.ID)
		if err != nil {
			// Missing variables resolve to the sentinel, not an error.
			return Undefined{}, nil
		}
		if ref.Path == "" {
			return value, nil
		}
		root, ok := value.(map[string]any)
		if !ok {
			return Undefined{}, nil
		}
		return pathOrUndefined(root, ref.Path), nil
	}
}

func pathOrUndefined(root map[string]any, path string) any {
	value, ok := state.GetPath(root, path)
	if !ok {
		return Undefined{}
	}
	return state.DeepCopy(value)
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil, Undefined:
		return ""
	case string:
		return v
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
