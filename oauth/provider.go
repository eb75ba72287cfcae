package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenLifetime is assumed for grants whose response omits expires_in.
const DefaultTokenLifetime = 5 * time.Minute

// Provider issues client-credentials tokens.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: a grant the provider refused (4xx other than 429) wraps
//   ErrGrantRejected; transient failures wrap ErrGrantFailed.
// - Context: Grant must honor cancellation.
type Provider interface {
	// Name returns the provider name (e.g. "auth0").
	Name() string

	// Grant requests a token carrying scopes. The returned token has no
	// ToolID; the broker assigns it.
	Grant(ctx context.Context, scopes []string) (*Token, error)

	// Endpoints returns the provider's token, JWKS and issuer locations.
	Endpoints() Endpoints
}

// Endpoints locates a provider's OAuth endpoints.
type Endpoints struct {
	TokenURL string
	JWKSURL  string
	Issuer   string
}

// ClientCredentialsProvider implements Provider with the OAuth 2.0
// client-credentials grant.
type ClientCredentialsProvider struct {
	name      string
	cfg       *Config
	endpoints Endpoints
	client    *http.Client
	now       func() time.Time
}

// NewClientCredentialsProvider creates a provider. A nil client uses one with
// a 30s timeout.
func NewClientCredentialsProvider(name string, cfg *Config, endpoints Endpoints, client *http.Client) *ClientCredentialsProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ClientCredentialsProvider{
		name:      name,
		cfg:       cfg,
		endpoints: endpoints,
		client:    client,
		now:       time.Now,
	}
}

// Name implements Provider.
func (p *ClientCredentialsProvider) Name() string { return p.name }

// Endpoints implements Provider.
func (p *ClientCredentialsProvider) Endpoints() Endpoints { return p.endpoints }

// Grant implements Provider.
func (p *ClientCredentialsProvider) Grant(ctx context.Context, scopes []string) (*Token, error) {
	requested := NormalizeScopes(append(p.cfg.Scopes(), scopes...))
	cc := clientcredentials.Config{
		ClientID:       p.cfg.ClientID(),
		ClientSecret:   p.cfg.ClientSecret(),
		TokenURL:       p.endpoints.TokenURL,
		Scopes:         requested,
		EndpointParams: url.Values{"audience": {p.cfg.Audience()}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	issued := p.now()
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, classifyGrantError(err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	granted := requested
	if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		granted = ParseScope(s)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = issued.Add(DefaultTokenLifetime)
	}
	return &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Scopes:      granted,
		ExpiresAt:   expires,
		IssuedAt:    issued,
	}, nil
}

func classifyGrantError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			if re.ErrorCode != "" {
				return fmt.Errorf("%w: %s (%d)", ErrGrantRejected, re.ErrorCode, code)
			}
			return fmt.Errorf("%w: status %d", ErrGrantRejected, code)
		}
		return fmt.Errorf("%w: status %d", ErrGrantFailed, code)
	}
	return fmt.Errorf("%w: %w", ErrGrantFailed, err)
}

// Ensure ClientCredentialsProvider implements Provider
var _ Provider = (*ClientCredentialsProvider)(nil)
