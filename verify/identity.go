package verify

import (
	"crypto"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jonwraymond/toolguard/canonical"
	"github.com/jonwraymond/toolguard/integrity"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/signing"
)

// ErrInvalidIdentity is returned when registering a malformed tool.
var ErrInvalidIdentity = errors.New("verify: invalid tool identity")

// implementationEpoch is the fixed timestamp bound into implementation
// signatures; they attest a hash, not a moment.
var implementationEpoch = time.Unix(0, 0).UTC()

// ToolIdentity is a registered tool and the facts the gate checks.
type ToolIdentity struct {
	ID      string `json:"id"`
	Version string `json:"version"`

	// RequiredScopes must all be granted to the invoking token.
	RequiredScopes []string `json:"required_scopes,omitempty"`

	// PublicKey verifies Signature. Optional.
	PublicKey crypto.PublicKey `json:"-"`

	// KeyAlgorithm is PublicKey's algorithm. Inferred when empty.
	KeyAlgorithm signing.Algorithm `json:"key_algorithm,omitempty"`

	// ImplementationHash is the declared hex digest of the implementation.
	ImplementationHash string `json:"implementation_hash,omitempty"`

	// Signature attests ImplementationHash: a base64url detached signature
	// when PublicKey is set, otherwise the hex digest itself.
	Signature string `json:"-"`

	// RequireRequestSigning opts the tool into per-request signatures.
	RequireRequestSigning bool `json:"require_request_signing"`

	// CallConstraints restricts the tool's place in call chains.
	CallConstraints integrity.CallConstraints `json:"call_constraints"`
}

// Validate checks id, scopes and key material.
func (t *ToolIdentity) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidIdentity)
	}
	for _, s := range t.RequiredScopes {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s: empty required scope", ErrInvalidIdentity, t.ID)
		}
	}
	if t.PublicKey != nil {
		if _, err := t.algorithm(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidIdentity, t.ID, err)
		}
	}
	return nil
}

// Clone returns a deep copy of t. The public key is shared; keys are
// immutable.
func (t *ToolIdentity) Clone() *ToolIdentity {
	cp := *t
	cp.RequiredScopes = slices.Clone(t.RequiredScopes)
	cp.CallConstraints.AllowedCallees = slices.Clone(t.CallConstraints.AllowedCallees)
	cp.CallConstraints.BlockedCallees = slices.Clone(t.CallConstraints.BlockedCallees)
	return &cp
}

// Fingerprint identifies every field the gate's decision depends on.
func (t *ToolIdentity) Fingerprint() (string, error) {
	keyFP := ""
	if t.PublicKey != nil {
		fp, err := signing.Fingerprint(t.PublicKey)
		if err != nil {
			return "", err
		}
		keyFP = fp
	}
	h, err := canonical.Hash(map[string]any{
		"id":                      t.ID,
		"version":                 t.Version,
		"required_scopes":         oauth.NormalizeScopes(t.RequiredScopes),
		"key":                     keyFP,
		"key_algorithm":           string(t.KeyAlgorithm),
		"implementation_hash":     t.ImplementationHash,
		"signature":               t.Signature,
		"require_request_signing": t.RequireRequestSigning,
	})
	if err != nil {
		return "", err
	}
	return h[:16], nil
}

func (t *ToolIdentity) algorithm() (signing.Algorithm, error) {
	if t.KeyAlgorithm != "" {
		alg, err := signing.ParseAlgorithm(string(t.KeyAlgorithm))
		if err != nil {
			return "", err
		}
		return alg, signing.CheckKey(alg, t.PublicKey)
	}
	return signing.AlgorithmForKey(t.PublicKey)
}

// SignImplementation produces the Signature value attesting hash for
// toolID with key.
func SignImplementation(toolID, hash string, key crypto.Signer, alg signing.Algorithm) (string, error) {
	sr, err := signing.SignAt([]byte(hash), key, alg, toolID, implementationEpoch)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sr.Signature), nil
}

// verifyImplementation reports whether Signature attests
// ImplementationHash. A malformed key or signature encoding is an error.
func (t *ToolIdentity) verifyImplementation() (bool, error) {
	if t.ImplementationHash == "" || t.Signature == "" {
		return false, nil
	}
	if t.PublicKey == nil {
		a := []byte(strings.ToLower(t.Signature))
		b := []byte(strings.ToLower(t.ImplementationHash))
		return subtle.ConstantTimeCompare(a, b) == 1, nil
	}

	alg, err := t.algorithm()
	if err != nil {
		return false, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(t.Signature)
	if err != nil {
		return false, fmt.Errorf("%w: %w", signing.ErrMalformedSignature, err)
	}
	return signing.Verify(&signing.SignedRequest{
		Payload:   []byte(t.ImplementationHash),
		Signature: sig,
		Algorithm: alg,
		KeyID:     t.ID,
		SignedAt:  implementationEpoch,
	}, t.PublicKey)
}
