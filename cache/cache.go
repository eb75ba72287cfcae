package cache

import (
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// Cache stores values of type V under string keys with a per-entry TTL.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Expiry: Get never returns an entry past its expiry.
// - Errors: Get never errors; it returns the zero value and false on miss.
type Cache[V any] interface {
	// Get retrieves a cached value.
	Get(key string) (V, bool)

	// Set stores a value with the given TTL. A non-positive TTL stores nothing.
	Set(key string, value V, ttl time.Duration) error

	// Delete removes a cached value. Idempotent.
	Delete(key string)

	// DeletePrefix removes every entry whose key starts with prefix and
	// returns how many were removed.
	DeletePrefix(prefix string) int
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}
