package schema

// Event type constants for the instrumentation artifact log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventRecordCreated = "record_created"
	EventRecordUpdated = "record_updated"
	EventVariableSet   = "variable_set"

	EventRouteResolved     = "route_resolved"
	EventIterItemStarted   = "iter_item_started"
	EventIterItemCompleted = "iter_item_completed"
	EventIterItemFailed    = "iter_item_failed"
	EventIterCompleted     = "iter_completed"
	EventHandleCaught      = "handle_caught"
	EventHandleFinally     = "handle_finally"
)

// NodeStatus represents the lifecycle state of a node within a run.
// Terminal statuses (completed, failed, skipped) are final.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// RecordStatus represents the lifecycle state of a record.
type RecordStatus string

const (
	RecordStatusDiscovered RecordStatus = "discovered"
	RecordStatusProcessing RecordStatus = "processing"
	RecordStatusComplete   RecordStatus = "complete"
	RecordStatusFailed     RecordStatus = "failed"
)

// OnError policies for iterate bodies.
const (
	OnErrorStop               = "stop"
	OnErrorMarkFailedContinue = "mark_failed_continue"
	OnErrorMarkFailedStop     = "mark_failed_stop"
)
