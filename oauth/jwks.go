package oauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyProvider retrieves JWT verification keys.
type KeyProvider interface {
	// GetKey returns the key for the given key id.
	GetKey(ctx context.Context, keyID string) (any, error)
}

// StaticKeyProvider serves one fixed verification key.
type StaticKeyProvider struct {
	key crypto.PublicKey
}

// NewStaticKeyProvider creates a static key provider.
func NewStaticKeyProvider(key crypto.PublicKey) *StaticKeyProvider {
	return &StaticKeyProvider{key: key}
}

// GetKey returns the static key.
func (p *StaticKeyProvider) GetKey(_ context.Context, _ string) (any, error) {
	if p.key == nil {
		return nil, ErrKeyNotFound
	}
	return p.key, nil
}

// JWKSConfig configures the JWKS key provider.
type JWKSConfig struct {
	// URL is the JWKS endpoint URL.
	URL string

	// CacheTTL is how long to cache keys before refreshing.
	// Default: 1 hour
	CacheTTL time.Duration

	// FetchTimeout bounds a single JWKS fetch.
	// Default: 10s
	FetchTimeout time.Duration

	// HTTPClient is the HTTP client to use for requests.
	// If nil, a default client with 30s timeout is used.
	HTTPClient *http.Client
}

// JWKSKeyProvider retrieves RSA and EC signing keys from a JWKS endpoint.
type JWKSKeyProvider struct {
	config JWKSConfig

	mu          sync.RWMutex
	keys        map[string]crypto.PublicKey
	cacheTime   time.Time
	lastFetched map[string]crypto.PublicKey // served when a refresh fails
	sfGroup     singleflight.Group
}

// NewJWKSKeyProvider creates a new JWKS key provider.
func NewJWKSKeyProvider(config JWKSConfig) *JWKSKeyProvider {
	if config.CacheTTL == 0 {
		config.CacheTTL = time.Hour
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &JWKSKeyProvider{
		config:      config,
		keys:        make(map[string]crypto.PublicKey),
		lastFetched: make(map[string]crypto.PublicKey),
	}
}

// GetKey returns the key for the given key id. If keyID is empty and the set
// holds exactly one key, that key is returned. An unknown kid triggers one
// refresh, shared by concurrent callers.
func (p *JWKSKeyProvider) GetKey(ctx context.Context, keyID string) (any, error) {
	p.mu.RLock()
	if time.Since(p.cacheTime) < p.config.CacheTTL {
		key := p.lookupLocked(p.keys, keyID)
		p.mu.RUnlock()
		if key != nil {
			return key, nil
		}
	} else {
		p.mu.RUnlock()
	}

	ch := p.sfGroup.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.FetchTimeout)
		defer cancel()
		return nil, p.refresh(fctx)
	})

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		err = res.Err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err != nil {
		if key := p.lookupLocked(p.keys, keyID); key != nil {
			return key, nil
		}
		if key := p.lookupLocked(p.lastFetched, keyID); key != nil {
			return key, nil
		}
		return nil, err
	}
	if key := p.lookupLocked(p.keys, keyID); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, keyID)
}

// lookupLocked finds a key by id. Caller must hold at least RLock.
func (p *JWKSKeyProvider) lookupLocked(keys map[string]crypto.PublicKey, keyID string) crypto.PublicKey {
	if keyID == "" {
		if len(keys) != 1 {
			return nil
		}
		for _, key := range keys {
			return key
		}
	}
	return keys[keyID]
}

// refresh fetches keys from the JWKS endpoint.
func (p *JWKSKeyProvider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return fmt.Errorf("oauth: create JWKS request: %w", err)
	}

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth: fetch JWKS: unexpected status %d", resp.StatusCode)
	}

	var set jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("oauth: decode JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			continue
		}
		keys[jwk.Kid] = key
	}

	p.mu.Lock()
	p.keys = keys
	p.cacheTime = time.Now()
	for kid, key := range keys {
		p.lastFetched[kid] = key
	}
	p.mu.Unlock()

	return nil
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jwkKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(name, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("missing %s parameter", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// Ensure JWKSKeyProvider implements KeyProvider
var _ KeyProvider = (*JWKSKeyProvider)(nil)

// Ensure StaticKeyProvider implements KeyProvider
var _ KeyProvider = (*StaticKeyProvider)(nil)
