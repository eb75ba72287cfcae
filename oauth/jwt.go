package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWTValidator.
type JWTConfig struct {
	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// Algorithms are the accepted signing algorithms.
	// Default: RS256, PS256, ES256, ES384
	Algorithms []string

	// Leeway tolerates clock skew on exp/nbf/iat.
	// Default: 30s
	Leeway time.Duration

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// Claims are the validated claims of an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Token converts the claims of raw into a broker Token, so inbound caller
// tokens pass through the same verification gate as brokered ones.
func (c *Claims) Token(raw, toolID string) *Token {
	return &Token{
		AccessToken: raw,
		TokenType:   "Bearer",
		Scopes:      append([]string(nil), c.Scopes...),
		ExpiresAt:   c.ExpiresAt,
		IssuedAt:    c.IssuedAt,
		ToolID:      toolID,
	}
}

// JWTValidator verifies provider-issued JWT access tokens.
type JWTValidator struct {
	config JWTConfig
	keys   KeyProvider
	parser *jwt.Parser
}

// NewJWTValidator creates a validator that resolves keys through keys.
func NewJWTValidator(config JWTConfig, keys KeyProvider) *JWTValidator {
	if len(config.Algorithms) == 0 {
		config.Algorithms = []string{"RS256", "PS256", "ES256", "ES384"}
	}
	if config.Leeway == 0 {
		config.Leeway = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(config.Algorithms),
		jwt.WithLeeway(config.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(config.Now),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &JWTValidator{config: config, keys: keys, parser: jwt.NewParser(opts...)}
}

// NewJWTValidatorForProvider creates a validator for p's issuer and JWKS.
func NewJWTValidatorForProvider(p Provider, audience string, client *http.Client) *JWTValidator {
	ep := p.Endpoints()
	return NewJWTValidator(
		JWTConfig{Issuer: ep.Issuer, Audience: audience},
		NewJWKSKeyProvider(JWKSConfig{URL: ep.JWKSURL, HTTPClient: client}),
	)
}

// Validate verifies raw and returns its claims.
func (v *JWTValidator) Validate(ctx context.Context, raw string) (*Claims, error) {
	token, err := v.parser.Parse(raw, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.GetKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return buildClaims(claims), nil
}

// ValidateBearer extracts and validates the token from an Authorization
// header value.
func (v *JWTValidator) ValidateBearer(ctx context.Context, header string) (string, *Claims, error) {
	raw, ok := BearerToken(header)
	if !ok {
		return "", nil, ErrMissingBearer
	}
	claims, err := v.Validate(ctx, raw)
	if err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

func buildClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{}
	c.Subject, _ = mc.GetSubject()
	c.Issuer, _ = mc.GetIssuer()
	c.Audience, _ = mc.GetAudience()
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if azp, ok := mc["azp"].(string); ok {
		c.ClientID = azp
	} else if cid, ok := mc["client_id"].(string); ok {
		c.ClientID = cid
	}

	var scopes []string
	if s, ok := mc["scope"].(string); ok {
		scopes = append(scopes, strings.Fields(s)...)
	}
	if perms, ok := mc["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				scopes = append(scopes, s)
			}
		}
	}
	c.Scopes = NormalizeScopes(scopes)
	return c
}
