package oauth

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Token is an access token issued for a tool.
//
// Tokens are values owned by the broker cache. Callers receive copies and a
// refresh supersedes rather than mutates a token.
type Token struct {
	// AccessToken is the opaque bearer credential.
	AccessToken string

	// TokenType is the token type, normally "Bearer".
	TokenType string

	// Scopes are the granted scopes.
	Scopes []string

	// ExpiresAt is when the provider stops honoring the token.
	ExpiresAt time.Time

	// IssuedAt is when the broker received the token.
	IssuedAt time.Time

	// ToolID is the tool the token was acquired for.
	ToolID string

	// requested is the normalized scope set the token was requested with.
	requested []string
}

// Clone returns a deep copy of t.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	cp.requested = slices.Clone(t.requested)
	return &cp
}

// Expired reports whether t is expired at now, treating the final leeway
// before expiry as expired.
func (t *Token) Expired(now time.Time, leeway time.Duration) bool {
	return !now.Add(leeway).Before(t.ExpiresAt)
}

// MissingScopes returns the required scopes t was not granted, sorted.
func (t *Token) MissingScopes(required []string) []string {
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = struct{}{}
	}
	var missing []string
	for _, s := range NormalizeScopes(required) {
		if _, ok := granted[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// String describes t without the access token.
func (t *Token) String() string {
	return "oauth.Token{tool=" + t.ToolID + " type=" + t.TokenType +
		" scopes=" + strings.Join(t.Scopes, " ") +
		" expires=" + t.ExpiresAt.UTC().Format(time.RFC3339) + "}"
}

// NormalizeScopes returns scopes trimmed, deduplicated and sorted. Empty
// entries are dropped.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParseScope splits a space-delimited OAuth scope string.
func ParseScope(s string) []string {
	return NormalizeScopes(strings.Fields(s))
}
