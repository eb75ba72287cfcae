package cache

import (
	"strings"
	"sync"
	"time"
)

// MemoryCache is an in-memory Cache.
type MemoryCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	policy  Policy
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Option configures a MemoryCache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the time source used for expiry.
// Default: time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// NewMemoryCache creates an in-memory cache. TTLs passed to Set are clamped
// by the policy.
func NewMemoryCache[V any](policy Policy, opts ...Option) *MemoryCache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryCache[V]{
		entries: make(map[string]entry[V]),
		policy:  policy,
		now:     o.now,
	}
}

// Get retrieves a value. Expired entries are removed lazily.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}

	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have replaced the entry.
		if cur, ok := c.entries[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores a value for the policy's effective TTL.
func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ttl = c.policy.EffectiveTTL(ttl)
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes a value.
func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes all entries whose key has the given prefix.
func (c *MemoryCache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet
// collected.
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ensure MemoryCache implements Cache
var _ Cache[string] = (*MemoryCache[string])(nil)
