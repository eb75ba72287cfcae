package server

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonwraymond/toolguard/secerr"
)

// ErrIllegalTransition is returned for a state change the machine forbids.
var ErrIllegalTransition = errors.New("server: illegal state transition")

// State is the lifecycle stage of an invocation.
type State string

const (
	StatePending       State = "PENDING"
	StateTokenAcquired State = "TOKEN_ACQUIRED"
	StateVerified      State = "VERIFIED"
	StateSigned        State = "SIGNED"
	StateExecuting     State = "EXECUTING"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
)

var transitions = map[State][]State{
	StatePending:       {StateTokenAcquired, StateFailed},
	StateTokenAcquired: {StateVerified, StateFailed},
	StateVerified:      {StateSigned, StateExecuting, StateFailed},
	StateSigned:        {StateExecuting, StateFailed},
	StateExecuting:     {StateCompleted, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Invocation tracks one invocation through the state machine. It is owned
// by the goroutine running the invocation.
type Invocation struct {
	ID     string
	ToolID string

	state   State
	history []Transition
	err     error
	now     func() time.Time
}

func newInvocation(id, toolID string, now func() time.Time) *Invocation {
	return &Invocation{ID: id, ToolID: toolID, state: StatePending, now: now}
}

// State returns the current state.
func (inv *Invocation) State() State { return inv.state }

// History returns a copy of the recorded transitions.
func (inv *Invocation) History() []Transition { return slices.Clone(inv.history) }

// Err returns the error that failed the invocation, if any.
func (inv *Invocation) Err() error { return inv.err }

// ErrorKind returns the kind of the failing error, or "".
func (inv *Invocation) ErrorKind() secerr.Kind { return secerr.KindOf(inv.err) }

// Advance moves to state to.
func (inv *Invocation) Advance(to State) error {
	if to == StateFailed {
		return fmt.Errorf("%w: use Fail to enter %s", ErrIllegalTransition, to)
	}
	return inv.move(to)
}

// Fail moves to FAILED and records cause. Failing a terminal invocation
// is an illegal transition.
func (inv *Invocation) Fail(cause error) error {
	if err := inv.move(StateFailed); err != nil {
		return err
	}
	inv.err = cause
	return nil
}

func (inv *Invocation) move(to State) error {
	if !CanTransition(inv.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, inv.state, to)
	}
	inv.history = append(inv.history, Transition{From: inv.state, To: to, At: inv.now().UTC()})
	inv.state = to
	return nil
}
