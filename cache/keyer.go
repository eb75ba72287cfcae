package cache

import (
	"fmt"
	"strings"

	"github.com/jonwraymond/toolguard/canonical"
)

// Keyer derives deterministic cache keys.
//
// Contract:
// - Determinism: equal inputs produce equal keys regardless of map order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	// Key derives a key for namespace and input.
	Key(namespace string, input any) (string, error)
}

// DefaultKeyer derives SHA-256 keys over canonical JSON.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key derives a key of the form <namespace>:<hash>, where hash is the first
// 32 hex characters of SHA-256(canonical JSON(input)).
func (k *DefaultKeyer) Key(namespace string, input any) (string, error) {
	h, err := canonical.Hash(input)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize input: %w", err)
	}
	return namespace + ":" + h[:32], nil
}

// Prefix returns the key prefix shared by all keys in a namespace.
func Prefix(parts ...string) string {
	return strings.Join(parts, ":") + ":"
}

// Ensure DefaultKeyer implements Keyer
var _ Keyer = (*DefaultKeyer)(nil)
