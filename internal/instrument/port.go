package instrument

import (
	"context"
	"time"

	"github.com/weftflow/weft/pkg/schema"
)

// Execution identifies one node execution for instrumentation purposes.
// ExecutionID is unique per node execution; retry attempts share it, with
// each attempt reported as a processing event.
type Execution struct {
	WorkflowID  string
	RunID       string
	ExecutionID string
	NodeAlias   string
	Position    int
	StartedAt   time.Time
}

// Event is one intermediate observation reported between input and output
// capture.
type Event struct {
	Type    string
	Payload any
}

// ForwardingDecision controls what the rest of the run may see of a node's
// outputs. Hidden keys still reach persistent storage in full; only the
// live resolution scope of downstream nodes is filtered.
type ForwardingDecision struct {
	// HideKeys lists output keys downstream nodes must not resolve.
	HideKeys []string
}

// Port receives the execution trace of every node. The four calls arrive in
// order for each execution: CaptureInputs, zero or more RecordProcessing,
// CaptureOutputs, then DecideForwarding. All calls are synchronous; node
// execution does not proceed until the call returns. An error from any call
// fails the node with an INSTRUMENTATION_ERROR.
type Port interface {
	CaptureInputs(ctx context.Context, exec Execution, inputs any) error
	RecordProcessing(ctx context.Context, exec Execution, event Event) error
	CaptureOutputs(ctx context.Context, exec Execution, outputs any) error
	DecideForwarding(ctx context.Context, exec Execution, outputs any) (*ForwardingDecision, error)
}

// WrapErr tags an instrumentation failure so the executor reports enough
// context to tell a broken port from a broken node.
func WrapErr(call string, exec Execution, err error) error {
	return schema.NewErrorf(schema.ErrCodeInstrumentation,
		"instrumentation %s failed: %s", call, err.Error()).
		WithCause(err).
		WithNode(exec.NodeAlias, exec.Position)
}

// Nop is a Port that records nothing and hides nothing.
type Nop struct{}

func (Nop) CaptureInputs(context.Context, Execution, any) error      { return nil }
func (Nop) RecordProcessing(context.Context, Execution, Event) error { return nil }
func (Nop) CaptureOutputs(context.Context, Execution, any) error     { return nil }
func (Nop) DecideForwarding(context.Context, Execution, any) (*ForwardingDecision, error) {
	return nil, nil
}

var _ Port = Nop{}
