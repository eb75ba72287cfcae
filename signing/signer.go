package signing

import (
	"context"
	"crypto"
	"fmt"
	"time"
)

// Signer signs payloads with a key from a KeySource.
type Signer struct {
	source KeySource
	keyID  func() string
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock sets the signing time source.
// Default: time.Now
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a Signer that signs with keyID.
func NewSigner(source KeySource, keyID string, opts ...SignerOption) *Signer {
	return newSigner(source, func() string { return keyID }, opts)
}

// NewActiveKeySigner creates a Signer that always signs with the manager's
// current active key, following rotations.
func NewActiveKeySigner(m *KeyManager, opts ...SignerOption) *Signer {
	return newSigner(m, m.ActiveKeyID, opts)
}

func newSigner(source KeySource, keyID func() string, opts []SignerOption) *Signer {
	s := &Signer{source: source, keyID: keyID, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KeyID returns the key the next signature will use.
func (s *Signer) KeyID() string {
	return s.keyID()
}

// Sign signs payload.
func (s *Signer) Sign(ctx context.Context, payload []byte) (*SignedRequest, error) {
	keyID := s.keyID()
	if keyID == "" {
		return nil, fmt.Errorf("%w: no signing key configured", ErrKeyNotFound)
	}
	var sr *SignedRequest
	err := s.source.UsePrivateKey(ctx, keyID, func(key crypto.Signer, alg Algorithm) error {
		var err error
		sr, err = SignAt(payload, key, alg, keyID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return sr, nil
}

// PublicKeyResolver looks up verification keys.
type PublicKeyResolver interface {
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, Algorithm, error)
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// MaxAge bounds how old a signature may be. Zero disables the check.
	// Default: 0
	MaxAge time.Duration

	// MaxClockSkew tolerates signatures dated in the future.
	// Default: 30s
	MaxClockSkew time.Duration

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// Verifier checks SignedRequests against keys from a resolver.
type Verifier struct {
	keys PublicKeyResolver
	cfg  VerifierConfig
}

// NewVerifier creates a Verifier.
func NewVerifier(keys PublicKeyResolver, cfg VerifierConfig) *Verifier {
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{keys: keys, cfg: cfg}
}

// Verify checks sr. It returns nil only for a valid, fresh signature by a
// known key whose algorithm matches the request's tag. A signature that
// does not match returns ErrInvalidSignature.
func (v *Verifier) Verify(ctx context.Context, sr *SignedRequest) error {
	if sr == nil {
		return ErrMissingSignature
	}
	pub, alg, err := v.keys.PublicKey(ctx, sr.KeyID)
	if err != nil {
		return err
	}
	if alg != "" && alg != sr.Algorithm {
		return fmt.Errorf("%w: key %s is %s, request is %s", ErrInvalidKey, sr.KeyID, alg, sr.Algorithm)
	}

	now := v.cfg.Now()
	if sr.SignedAt.After(now.Add(v.cfg.MaxClockSkew)) {
		return fmt.Errorf("%w: signed in the future", ErrStaleSignature)
	}
	if v.cfg.MaxAge > 0 && now.Sub(sr.SignedAt) > v.cfg.MaxAge {
		return fmt.Errorf("%w: signed %s ago", ErrStaleSignature, now.Sub(sr.SignedAt).Truncate(time.Second))
	}

	ok, err := Verify(sr, pub)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
