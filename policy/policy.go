// Package policy defines the server-wide security policy.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jonwraymond/toolguard/canonical"
)

// Errors for policy construction.
var (
	ErrInvalidLevel    = errors.New("policy: invalid security level")
	ErrInvalidMaxDepth = errors.New("policy: max call depth must be at least 1")
)

// SecurityLevel is the coarse enforcement level of a server.
type SecurityLevel int

const (
	// Low enforces token validity and scopes only.
	Low SecurityLevel = iota + 1
	// Medium is the default level.
	Medium
	// High additionally requires every tool to opt into request signing.
	High
)

// String returns the canonical upper-case name of the level.
func (l SecurityLevel) String() string {
	switch l {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
}

// Valid reports whether l is a known level.
func (l SecurityLevel) Valid() bool {
	return l >= Low && l <= High
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (SecurityLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return Low, nil
	case "MEDIUM":
		return Medium, nil
	case "HIGH":
		return High, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// MarshalText implements encoding.TextMarshaler.
func (l SecurityLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *SecurityLevel) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// SecurityPolicy is constructed once per server and read-only afterwards.
type SecurityPolicy struct {
	// Level is the enforcement level.
	// Default: Medium
	Level SecurityLevel `json:"level" yaml:"level"`

	// RequireToolSignatures requires each tool's registered signature to
	// match its declared implementation hash.
	RequireToolSignatures bool `json:"require_tool_signatures" yaml:"require_tool_signatures"`

	// EnableCallChainValidation enables cycle detection and caller
	// allowed-callee checks. Depth is enforced regardless.
	EnableCallChainValidation bool `json:"enable_call_chain_validation" yaml:"enable_call_chain_validation"`

	// MaxCallDepth bounds the number of nested invocations on one chain.
	// Default: 10
	MaxCallDepth int `json:"max_call_depth" yaml:"max_call_depth"`

	// AuditAllCalls records every chain enter and exit.
	AuditAllCalls bool `json:"audit_all_calls" yaml:"audit_all_calls"`
}

// DefaultMaxCallDepth is the call depth bound when none is configured.
const DefaultMaxCallDepth = 10

// Default returns the default policy: MEDIUM, signatures required, chain
// validation on, depth 10, audit on.
func Default() SecurityPolicy {
	return SecurityPolicy{
		Level:                     Medium,
		RequireToolSignatures:     true,
		EnableCallChainValidation: true,
		MaxCallDepth:              DefaultMaxCallDepth,
		AuditAllCalls:             true,
	}
}

// Validate checks the policy invariants.
func (p SecurityPolicy) Validate() error {
	if !p.Level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(p.Level))
	}
	if p.MaxCallDepth < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxDepth, p.MaxCallDepth)
	}
	return nil
}

// Fingerprint returns a stable hash of the policy, used in cache keys so
// that results verified under one policy are never served under another.
func (p SecurityPolicy) Fingerprint() string {
	h, err := canonical.Hash(p)
	if err != nil {
		// SecurityPolicy only holds scalars; encoding cannot fail for a
		// valid level.
		return fmt.Sprintf("%d:%t:%t:%d:%t", p.Level, p.RequireToolSignatures,
			p.EnableCallChainValidation, p.MaxCallDepth, p.AuditAllCalls)
	}
	return h[:16]
}
