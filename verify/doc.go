// Package verify decides whether a tool may be invoked with a given token
// under a security policy.
//
// Registry holds the registered ToolIdentity values. Gate runs the ordered
// checks (token expiry, scopes, implementation signature, request-signing
// requirement) and caches successful results until the token or the tool
// changes.
package verify
