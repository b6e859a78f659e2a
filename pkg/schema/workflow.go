package schema

import "encoding/json"

// Workflow is the JSON-serializable workflow format: an ordered list of nodes
// walked in position order unless a selection says otherwise.
type Workflow struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Nodes    []NodeDefinition `json:"nodes"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a workflow.
// Alias is the stable cross-reference key used by templates and control-flow
// bodies; position is only an ordering hint once aliases exist.
type NodeDefinition struct {
	Position    int             `json:"position"`
	Type        NodeType        `json:"type"`
	Alias       string          `json:"alias"`
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config"`

	// Result persistence. StoreVariable writes the node result to the named
	// variable. StoreToRecord merges it into the current record under As
	// (or the alias when As is empty). CreateRecords bulk-creates records
	// from a list-shaped result.
	StoreVariable string             `json:"store_variable,omitempty"`
	StoreToRecord bool               `json:"store_to_record,omitempty"`
	As            string             `json:"as,omitempty"`
	CreateRecords *CreateRecordsSpec `json:"create_records,omitempty"`

	Retry   *RetryPolicy `json:"retry,omitempty"`
	Timeout string       `json:"timeout,omitempty"` // forwarded to collaborator handlers
}

// NodeType enumerates the closed set of node kinds.
type NodeType string

const (
	NodeTypeBrowser   NodeType = "browser"
	NodeTypeReasoning NodeType = "reasoning"
	NodeTypeTransform NodeType = "transform"
	NodeTypeIterate   NodeType = "iterate"
	NodeTypeRoute     NodeType = "route"
	NodeTypeHandle    NodeType = "handle"
)

// NodeTypes lists every member of the closed union, for validation.
var NodeTypes = []NodeType{
	NodeTypeBrowser, NodeTypeReasoning, NodeTypeTransform,
	NodeTypeIterate, NodeTypeRoute, NodeTypeHandle,
}

// IsControlFlow reports whether the node kind owns a body of other nodes.
func (t NodeType) IsControlFlow() bool {
	return t == NodeTypeIterate || t == NodeTypeRoute || t == NodeTypeHandle
}

// CreateRecordsSpec configures bulk record creation from a node result.
type CreateRecordsSpec struct {
	RecordType string `json:"record_type"`
	// IDPattern substitutes {field} references from each item; empty means
	// "<record_type>_<seq>" with a zero-padded sequence.
	IDPattern string `json:"id_pattern,omitempty"`
	// Mode resolves id collisions: create (error), update (merge into the
	// existing record) or upsert (default). Never silently dropped.
	Mode string `json:"mode,omitempty"`
	// ItemsPath selects the list inside the result; empty means the result
	// itself must be a list.
	ItemsPath string `json:"items_path,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Max     int    `json:"max"`
	Backoff string `json:"backoff,omitempty"` // none | linear | exponential (default: none)
	Delay   string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
}

// TransformConfig is the config block for transform-type nodes.
type TransformConfig struct {
	// Engine selects the expression language: jq (default) or expr.
	Engine     string `json:"engine,omitempty"`
	Expression string `json:"expression"`
	// Input is a templated value fed to the expression as its input root.
	Input any `json:"input,omitempty"`
}

// IterateConfig is the config block for iterate-type nodes.
type IterateConfig struct {
	// Over is a templated expression producing an array; items are
	// materialized into ephemeral temp records before iteration.
	Over any `json:"over,omitempty"`
	// OverRecords is a record id pattern ("email_*", "*", exact id).
	OverRecords string `json:"over_records,omitempty"`
	// Body lists the aliases of the owned nodes executed once per item.
	Body []string `json:"body"`
	// OnError: stop | mark_failed_continue (default) | mark_failed_stop.
	OnError string `json:"on_error,omitempty"`
	// Concurrency > 1 processes independent items in parallel workers.
	Concurrency int `json:"concurrency,omitempty"`
}

// RouteConfig is the config block for route-type nodes.
// Exactly one of Paths (value-keyed) or Branches (ordered conditions) is used.
type RouteConfig struct {
	// Value is a templated expression whose result keys into Paths.
	Value any `json:"value,omitempty"`
	// Paths maps a value to the aliases of the branch members.
	Paths map[string][]string `json:"paths,omitempty"`
	// Branches are evaluated in order; the first true condition wins.
	Branches []RouteBranch `json:"branches,omitempty"`
	// Default is taken when no path or branch matches.
	Default []string `json:"default,omitempty"`
}

// RouteBranch pairs a CEL condition with its branch members.
type RouteBranch struct {
	When  string   `json:"when"`
	Nodes []string `json:"nodes"`
}

// HandleConfig is the config block for handle-type nodes.
// Catch runs on any error from Try with the error in scope; Finally always
// runs, on every exit path.
type HandleConfig struct {
	Try     []string `json:"try"`
	Catch   []string `json:"catch,omitempty"`
	Finally []string `json:"finally,omitempty"`
}
