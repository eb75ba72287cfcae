// Package oauth acquires, caches and validates OAuth 2.0 access tokens for
// tool invocations.
//
// A Broker obtains client-credentials tokens from a Provider, caching them
// per (tool, scope set) until shortly before expiry. Concurrent requests for
// the same key share a single grant. Providers are created by name from a
// Registry; DefaultRegistry knows auth0, okta, azure and custom endpoints.
//
// JWTValidator verifies inbound JWT access tokens against a provider's JWKS.
package oauth
