package server

import (
	"context"

	"github.com/jonwraymond/toolguard/integrity"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/signing"
	"github.com/jonwraymond/toolguard/verify"
)

// HandlerFunc executes a tool. The context carries the call chain, the
// verified token and, for tools that opt in, the invocation signature.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Tool is a tool offered by a SecureServer.
type Tool struct {
	verify.ToolIdentity

	// Definition is the approved definition. When set, re-registration is
	// checked for rug pulls against the recorded fingerprint.
	Definition *integrity.Definition

	// Contract is the backend API contract document, if attested.
	Contract []byte

	// ContractType is Contract's format. Default: openapi
	ContractType integrity.ContractType

	// Handler runs the tool.
	Handler HandlerFunc
}

type tokenKey struct{}

type signatureKey struct{}

// TokenFromContext returns the token an invocation was verified with.
func TokenFromContext(ctx context.Context) (*oauth.Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(*oauth.Token)
	return tok, ok && tok != nil
}

// SignatureFromContext returns the invocation signature for tools that
// require request signing.
func SignatureFromContext(ctx context.Context) (*signing.SignedRequest, bool) {
	sr, ok := ctx.Value(signatureKey{}).(*signing.SignedRequest)
	return sr, ok && sr != nil
}
