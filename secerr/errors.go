// Package secerr defines the error taxonomy shared by the toolguard components.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind and the tool it concerns. Callers match kinds with errors.Is against
// the package sentinels, or extract the full value with errors.As.
package secerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration     Kind = "ConfigurationError"
	KindAuth              Kind = "AuthError"
	KindInsufficientScope Kind = "InsufficientScopeError"
	KindSignatureMismatch Kind = "SignatureMismatchError"
	KindSignature         Kind = "SignatureError"
	KindCallDepthExceeded Kind = "CallDepthExceededError"
	KindTimeout           Kind = "TimeoutError"
	KindPolicyViolation   Kind = "PolicyViolationError"
	KindToolNotFound      Kind = "ToolNotFoundError"
	KindInvalidRequest    Kind = "InvalidRequestError"
	KindInternal          Kind = "InternalError"
)

// Sentinel errors, one per Kind. An *Error matches the sentinel of its kind.
var (
	ErrConfiguration     = errors.New("toolguard: configuration error")
	ErrAuth              = errors.New("toolguard: authentication failed")
	ErrInsufficientScope = errors.New("toolguard: insufficient scope")
	ErrSignatureMismatch = errors.New("toolguard: signature mismatch")
	ErrSignature         = errors.New("toolguard: signature error")
	ErrCallDepthExceeded = errors.New("toolguard: call depth exceeded")
	ErrTimeout           = errors.New("toolguard: operation timed out")
	ErrPolicyViolation   = errors.New("toolguard: policy violation")
	ErrToolNotFound      = errors.New("toolguard: tool not found")
	ErrInvalidRequest    = errors.New("toolguard: invalid request")
	ErrInternal          = errors.New("toolguard: internal error")
)

var sentinels = map[Kind]error{
	KindConfiguration:     ErrConfiguration,
	KindAuth:              ErrAuth,
	KindInsufficientScope: ErrInsufficientScope,
	KindSignatureMismatch: ErrSignatureMismatch,
	KindSignature:         ErrSignature,
	KindCallDepthExceeded: ErrCallDepthExceeded,
	KindTimeout:           ErrTimeout,
	KindPolicyViolation:   ErrPolicyViolation,
	KindToolNotFound:      ErrToolNotFound,
	KindInvalidRequest:    ErrInvalidRequest,
	KindInternal:          ErrInternal,
}

// Error is a classified failure.
type Error struct {
	// Kind is the failure classification.
	Kind Kind

	// ToolID is the tool the failure concerns (may be empty at startup).
	ToolID string

	// Op is the operation that failed (e.g., "broker.get_token").
	Op string

	// Message is a human readable, boundary-safe description.
	Message string

	// Cause is the underlying error. It is never rendered across the
	// server boundary.
	Cause error
}

// New creates a classified error.
func New(kind Kind, toolID, op, message string) *Error {
	return &Error{Kind: kind, ToolID: toolID, Op: op, Message: message}
}

// Wrap creates a classified error with an underlying cause.
func Wrap(kind Kind, toolID, op, message string, cause error) *Error {
	return &Error{Kind: kind, ToolID: toolID, Op: op, Message: message, Cause: cause}
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: tool=%q", e.Kind, e.ToolID)
	if e.Op != "" {
		msg += " op=" + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

// Sentinel returns the sentinel error for a kind, or ErrInternal.
func Sentinel(kind Kind) error {
	if s, ok := sentinels[kind]; ok {
		return s
	}
	return ErrInternal
}

// KindOf returns the kind of err. Context deadline errors classify as
// KindTimeout; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// ToolIDOf returns the tool id recorded on err, if any.
func ToolIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ToolID
	}
	return ""
}

// WithTool returns err classified against toolID. An *Error without a tool id
// is copied with the id filled in; other errors are wrapped as kind.
func WithTool(err error, toolID string, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.ToolID == toolID {
			return err
		}
		cp := *e
		if cp.ToolID == "" {
			cp.ToolID = toolID
		}
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, toolID, op, "deadline exceeded", err)
	}
	return Wrap(kind, toolID, op, "", err)
}

// PublicError is the boundary-safe rendering of an error.
type PublicError struct {
	Kind    Kind   `json:"kind"`
	ToolID  string `json:"tool_id,omitempty"`
	Message string `json:"message"`
}

// Public renders err for callers outside the process. Causes and internal
// detail are dropped; unclassified errors collapse to a generic message.
func Public(err error) PublicError {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" {
			msg = Sentinel(e.Kind).Error()
		}
		return PublicError{Kind: e.Kind, ToolID: e.ToolID, Message: msg}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return PublicError{Kind: KindTimeout, Message: ErrTimeout.Error()}
	}
	return PublicError{Kind: KindInternal, Message: ErrInternal.Error()}
}
