package instrument

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/pkg/schema"
)

// Recorder is a Port that persists the full execution trace as append-only
// artifacts. Inputs, processing events and outputs for one execution are
// buffered and flushed as a single artifact when outputs are captured, so a
// crashed node leaves no partial artifact.
//
// Recorder never hides anything; compose it with a filtering port via Chain
// when forwarding decisions are needed.
type Recorder struct {
	st store.Store

	mu      sync.Mutex
	pending map[string]*store.Artifact
}

// NewRecorder returns a store-backed recorder.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{st: st, pending: map[string]*store.Artifact{}}
}

func (r *Recorder) CaptureInputs(ctx context.Context, exec Execution, inputs any) error {
	raw, err := marshalScrubbed(inputs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pending[exec.ExecutionID] = &store.Artifact{
		WorkflowID:  exec.WorkflowID,
		RunID:       exec.RunID,
		NodeID:      exec.NodeAlias,
		ExecutionID: exec.ExecutionID,
		Inputs:      raw,
	}
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordProcessing(ctx context.Context, exec Execution, event Event) error {
	raw, err := marshalScrubbed(event.Payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	artifact, ok := r.pending[exec.ExecutionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInstrumentation,
			"processing event for unknown execution %s", exec.ExecutionID)
	}
	artifact.Processing = append(artifact.Processing, store.ProcessingEvent{
		Type:      event.Type,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (r *Recorder) CaptureOutputs(ctx context.Context, exec Execution, outputs any) error {
	raw, err := marshalScrubbed(outputs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	artifact, ok := r.pending[exec.ExecutionID]
	if ok {
		delete(r.pending, exec.ExecutionID)
	}
	r.mu.Unlock()
	if !ok {
		artifact = &store.Artifact{
			WorkflowID:  exec.WorkflowID,
			RunID:       exec.RunID,
			NodeID:      exec.NodeAlias,
			ExecutionID: exec.ExecutionID,
		}
	}
	artifact.Outputs = raw
	return r.st.AppendArtifact(ctx, artifact)
}

func (r *Recorder) DecideForwarding(ctx context.Context, exec Execution, outputs any) (*ForwardingDecision, error) {
	return nil, nil
}

// marshalScrubbed serializes a captured value with external resource handles
// removed. Keys named "targets" hold opaque references to live resources and
// never belong in the artifact log.
func marshalScrubbed(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(scrub(value))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInstrumentation,
			"capture is not serializable: %s", err.Error()).WithCause(err)
	}
	return raw, nil
}

func scrub(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if k == "targets" {
				continue
			}
			out[k] = scrub(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scrub(item)
		}
		return out
	default:
		return v
	}
}

var _ Port = (*Recorder)(nil)

// Chain fans one execution trace out to several ports in order, failing on
// the first error. The forwarding decision is the first non-nil decision
// returned.
type Chain []Port

func (c Chain) CaptureInputs(ctx context.Context, exec Execution, inputs any) error {
	for _, p := range c {
		if err := p.CaptureInputs(ctx, exec, inputs); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) RecordProcessing(ctx context.Context, exec Execution, event Event) error {
	for _, p := range c {
		if err := p.RecordProcessing(ctx, exec, event); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) CaptureOutputs(ctx context.Context, exec Execution, outputs any) error {
	for _, p := range c {
		if err := p.CaptureOutputs(ctx, exec, outputs); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) DecideForwarding(ctx context.Context, exec Execution, outputs any) (*ForwardingDecision, error) {
	for _, p := range c {
		decision, err := p.DecideForwarding(ctx, exec, outputs)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			return decision, nil
		}
	}
	return nil, nil
}

var _ Port = Chain(nil)
