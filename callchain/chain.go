// Package callchain tracks nested tool invocations and enforces call-depth
// and callee constraints.
//
// A Chain is an immutable value: Enter returns a new chain one frame deeper
// and the caller's chain is untouched, so concurrent invocations never share
// frames. Chains travel through context.Context.
package callchain

import (
	"context"
	"strings"
	"time"
)

// Frame is one invocation in a chain.
type Frame struct {
	ToolID       string    `json:"tool_id"`
	InvocationID string    `json:"invocation_id"`
	EnteredAt    time.Time `json:"entered_at"`
}

// Chain is an ordered list of active frames, outermost first.
type Chain struct {
	frames []Frame
}

// Depth returns the number of frames.
func (c Chain) Depth() int { return len(c.frames) }

// Frames returns a copy of the frames.
func (c Chain) Frames() []Frame {
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Current returns the innermost frame.
func (c Chain) Current() (Frame, bool) {
	if len(c.frames) == 0 {
		return Frame{}, false
	}
	return c.frames[len(c.frames)-1], true
}

// Caller returns the tool id of the innermost frame, or "".
func (c Chain) Caller() string {
	f, _ := c.Current()
	return f.ToolID
}

// Contains reports whether toolID is already on the chain.
func (c Chain) Contains(toolID string) bool {
	for _, f := range c.frames {
		if f.ToolID == toolID {
			return true
		}
	}
	return false
}

// Path returns the tool ids, outermost first.
func (c Chain) Path() []string {
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.ToolID
	}
	return out
}

// String renders the path as "a -> b -> c".
func (c Chain) String() string {
	return strings.Join(c.Path(), " -> ")
}

// push returns a new chain with f appended. The receiver is not modified.
func (c Chain) push(f Frame) Chain {
	frames := make([]Frame, len(c.frames)+1)
	copy(frames, c.frames)
	frames[len(c.frames)] = f
	return Chain{frames: frames}
}

// pop returns the chain without its innermost frame.
func (c Chain) pop() Chain {
	if len(c.frames) == 0 {
		return c
	}
	return Chain{frames: c.frames[:len(c.frames)-1:len(c.frames)-1]}
}

type contextKey struct{}

// WithChain returns a context carrying chain.
func WithChain(ctx context.Context, chain Chain) context.Context {
	return context.WithValue(ctx, contextKey{}, chain)
}

// FromContext returns the chain carried by ctx, or an empty chain.
func FromContext(ctx context.Context) Chain {
	c, _ := ctx.Value(contextKey{}).(Chain)
	return c
}
