package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/weftflow/weft/pkg/schema"
)

// Request carries everything a handler needs to execute one node. Config and
// Input arrive with all template references already resolved. Scope is the
// expression environment ("current", "vars", "input"). Emit reports an
// intermediate processing event through the instrumentation pipeline and
// blocks until it is captured.
type Request struct {
	WorkflowID string
	RunID      string
	Node       *schema.NodeDefinition
	Config     map[string]any
	Input      any
	Scope      map[string]any
	Emit       func(eventType string, payload any) error
}

// Handler executes nodes of one type. Browser and reasoning handlers are
// registered by the host application; transform handlers are built in.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, req Request) (any, error)
}

// Func adapts a plain function to the Handler interface.
type Func struct {
	NodeType schema.NodeType
	Fn       func(ctx context.Context, req Request) (any, error)
}

func (f Func) Type() schema.NodeType { return f.NodeType }

func (f Func) Execute(ctx context.Context, req Request) (any, error) {
	return f.Fn(ctx, req)
}

// Registry is the thread-safe handler lookup table keyed by node type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register adds a handler. Returns an error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	nodeType := h.Type()
	if nodeType == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[nodeType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", nodeType)
	}
	r.handlers[nodeType] = h
	return nil
}

// Get retrieves the handler for a node type. A missing handler is a capacity
// error: the engine is running without the capability the node needs.
func (r *Registry) Get(nodeType schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapacity, "no handler registered for node type %q", nodeType)
	}
	return h, nil
}

// Has checks whether a handler is registered for the type.
func (r *Registry) Has(nodeType schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
