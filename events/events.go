// Package events provides a typed, non-blocking publish/subscribe bus for
// security events.
//
// Each subscriber owns a buffered channel drained by its own goroutine, so a
// slow or panicking handler never blocks the publisher or other subscribers.
// When a subscriber's buffer is full the event is dropped for that
// subscriber and counted.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of security event.
type Type string

// Event types.
const (
	AuthSuccess         Type = "AUTH_SUCCESS"
	AuthFailure         Type = "AUTH_FAILURE"
	CallEnter           Type = "CALL_ENTER"
	CallExit            Type = "CALL_EXIT"
	CallDenied          Type = "CALL_DENIED"
	SignatureFailure    Type = "SIGNATURE_FAILURE"
	VerificationFailure Type = "VERIFICATION_FAILURE"
	ToolRegistered      Type = "TOOL_REGISTERED"
	ToolRemoved         Type = "TOOL_REMOVED"
)

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = errors.New("events: bus is closed")

// Event is a single security event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	ToolID    string         `json:"tool_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event with a fresh id and the current time.
func New(typ Type, toolID string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ToolID:    toolID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler receives delivered events.
type Handler func(ctx context.Context, ev Event)

// Emitter publishes events.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Blocking: Emit must not block on subscriber processing.
type Emitter interface {
	Emit(ev Event)
}

// Nop is an Emitter that discards events.
type Nop struct{}

// Emit discards ev.
func (Nop) Emit(Event) {}

// Ensure Nop implements Emitter
var _ Emitter = Nop{}
