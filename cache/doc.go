// Package cache provides the TTL cache shared by the token broker and the
// verification gate.
//
// It provides a generic Cache interface with a memory implementation,
// canonical-JSON key derivation, and TTL policies with a ceiling.
package cache
