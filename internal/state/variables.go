package state

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/pkg/schema"
)

// VariableStore provides workflow-scoped variables with optional per-key
// JSON Schema validation. A failed validation leaves the previously stored
// value untouched.
type VariableStore struct {
	st         store.Store
	workflowID string

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
	// watchers get told when a key changes, so loops that captured the
	// value can mark their snapshot stale. Keyed for unregistration.
	watchers    map[uint64]func(key string)
	nextWatcher uint64
}

// NewVariableStore returns a variable store bound to one workflow.
func NewVariableStore(st store.Store, workflowID string) *VariableStore {
	return &VariableStore{
		st:         st,
		workflowID: workflowID,
		schemas:    map[string]*jsonschema.Schema{},
		watchers:   map[uint64]func(key string){},
	}
}

// DeclareSchema compiles and registers a JSON Schema for a key. Subsequent
// Set calls for the key validate against it.
func (v *VariableStore) DeclareSchema(key string, rawSchema json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "variable %q schema: %s", key, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "var://" + key + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "variable %q schema: %s", key, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "variable %q schema: %s", key, err)
	}
	v.mu.Lock()
	v.schemas[key] = compiled
	v.mu.Unlock()
	return nil
}

// Watch registers a callback invoked with the key on every successful Set,
// Delete or ClearAll. Iterations use this to detect mid-loop changes to
// variables their snapshot depends on. The returned func unregisters the
// watcher; callers must invoke it when they stop caring.
func (v *VariableStore) Watch(fn func(key string)) func() {
	v.mu.Lock()
	id := v.nextWatcher
	v.nextWatcher++
	v.watchers[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.watchers, id)
		v.mu.Unlock()
	}
}

// Set validates value against the key's declared schema (when one exists)
// and persists it. On validation failure nothing is written.
func (v *VariableStore) Set(ctx context.Context, key string, value any) error {
	v.mu.Lock()
	compiled := v.schemas[key]
	v.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "variable %q: value is not serializable: %s", key, err)
	}
	if compiled != nil {
		// Round-trip through JSON so numbers and nesting match what the
		// schema library expects.
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "variable %q: %s", key, err)
		}
		if err := compiled.Validate(doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "variable %q: %s", key, err).
				WithDetails(map[string]any{"key": key})
		}
	}

	if err := v.st.PutVariable(ctx, &store.Variable{
		WorkflowID: v.workflowID,
		Key:        key,
		Value:      raw,
	}); err != nil {
		return err
	}
	v.notify(key)
	return nil
}

// Get returns the decoded value for a key. Missing keys are NOT_FOUND.
func (v *VariableStore) Get(ctx context.Context, key string) (any, error) {
	stored, err := v.st.GetVariable(ctx, v.workflowID, key)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(stored.Value, &value); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "variable %q: corrupt value: %s", key, err)
	}
	return value, nil
}

// GetAll returns every variable in the workflow as a decoded map.
func (v *VariableStore) GetAll(ctx context.Context) (map[string]any, error) {
	vars, err := v.st.ListVariables(ctx, v.workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(vars))
	for _, stored := range vars {
		var value any
		if err := json.Unmarshal(stored.Value, &value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "variable %q: corrupt value: %s", stored.Key, err)
		}
		out[stored.Key] = value
	}
	return out, nil
}

// Delete removes a key. Missing keys are NOT_FOUND.
func (v *VariableStore) Delete(ctx context.Context, key string) error {
	if err := v.st.DeleteVariable(ctx, v.workflowID, key); err != nil {
		return err
	}
	v.notify(key)
	return nil
}

// ClearAll removes every variable in the workflow.
func (v *VariableStore) ClearAll(ctx context.Context) error {
	if err := v.st.ClearVariables(ctx, v.workflowID); err != nil {
		return err
	}
	v.notify("*")
	return nil
}

func (v *VariableStore) notify(key string) {
	v.mu.Lock()
	watchers := make([]func(string), 0, len(v.watchers))
	for _, fn := range v.watchers {
		watchers = append(watchers, fn)
	}
	v.mu.Unlock()
	for _, fn := range watchers {
		fn(key)
	}
}
