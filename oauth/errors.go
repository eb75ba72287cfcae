package oauth

import "errors"

// Sentinel errors.
var (
	// ErrUnknownProvider indicates no factory is registered for a provider name.
	ErrUnknownProvider = errors.New("oauth: unknown provider")

	// ErrInvalidConfig indicates an OAuth configuration failed validation.
	ErrInvalidConfig = errors.New("oauth: invalid configuration")

	// ErrGrantRejected indicates the provider refused the grant (4xx). It is
	// not retried.
	ErrGrantRejected = errors.New("oauth: grant rejected by provider")

	// ErrGrantFailed indicates a transient grant failure (network, 5xx, 429).
	ErrGrantFailed = errors.New("oauth: grant failed")

	// ErrNoAccessToken indicates a provider response without an access token.
	ErrNoAccessToken = errors.New("oauth: no access token in response")

	// ErrKeyNotFound indicates the JWKS has no key for a token's kid.
	ErrKeyNotFound = errors.New("oauth: signing key not found")

	// ErrTokenExpired indicates an expired JWT.
	ErrTokenExpired = errors.New("oauth: token expired")

	// ErrInvalidToken indicates a JWT that failed signature or claim checks.
	ErrInvalidToken = errors.New("oauth: invalid token")

	// ErrMissingBearer indicates an Authorization header without a bearer token.
	ErrMissingBearer = errors.New("oauth: missing bearer token")
)
