package state

import (
	"time"

	"github.com/weftflow/weft/pkg/schema"
)

// Frame is one entry of a context stack: a record placed in scope by an
// iteration, with a snapshot of its data taken at push time. Nodes inside the
// iteration resolve the "current" namespace against the top frame.
type Frame struct {
	RecordID string
	Data     map[string]any
	PushedAt time.Time
}

// ContextStack tracks the records currently in scope for one execution lane.
// Nested iterations push frames; each iteration pops its own frame on exit.
// Concurrent iteration gives every worker its own stack, so no locking here.
type ContextStack struct {
	frames []*Frame
}

// NewContextStack returns an empty stack.
func NewContextStack() *ContextStack {
	return &ContextStack{}
}

// Push places a record in scope with a snapshot of its data.
func (s *ContextStack) Push(recordID string, data map[string]any) {
	s.frames = append(s.frames, &Frame{
		RecordID: recordID,
		Data:     DeepCopyMap(data),
		PushedAt: time.Now().UTC(),
	})
}

// Pop removes the innermost frame. Popping an empty stack is a bug in the
// caller and returns a CONTEXT_ERROR.
func (s *ContextStack) Pop() error {
	if len(s.frames) == 0 {
		return schema.NewError(schema.ErrCodeContext, "context stack is empty")
	}
	s.frames = s.frames[:len(s.frames)-1]
	return nil
}

// Current returns the innermost frame, or a CONTEXT_ERROR when no record is
// in scope (a "current" reference outside any iteration).
func (s *ContextStack) Current() (*Frame, error) {
	if len(s.frames) == 0 {
		return nil, schema.NewError(schema.ErrCodeContext,
			"no record in scope: 'current' is only valid inside an iteration")
	}
	return s.frames[len(s.frames)-1], nil
}

// Depth reports how many frames are in scope.
func (s *ContextStack) Depth() int { return len(s.frames) }

// Refresh updates the data snapshot of every frame holding the given record,
// so an in-scope record reflects updates made while it is current.
func (s *ContextStack) Refresh(recordID string, data map[string]any) {
	for _, f := range s.frames {
		if f.RecordID == recordID {
			f.Data = DeepCopyMap(data)
		}
	}
}

// Fork returns a new stack sharing no frames with the receiver but carrying
// copies of its current frames. Concurrent iteration forks the parent stack
// for each worker before pushing the worker's own item frame.
func (s *ContextStack) Fork() *ContextStack {
	out := &ContextStack{frames: make([]*Frame, len(s.frames))}
	for i, f := range s.frames {
		out.frames[i] = &Frame{
			RecordID: f.RecordID,
			Data:     DeepCopyMap(f.Data),
			PushedAt: f.PushedAt,
		}
	}
	return out
}
