package signing

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignedRequest is a payload with a detached signature.
type SignedRequest struct {
	Payload   []byte    `json:"payload"`
	Signature []byte    `json:"signature"`
	Algorithm Algorithm `json:"algorithm"`
	KeyID     string    `json:"key_id"`
	SignedAt  time.Time `json:"signed_at"`
}

// signingInput binds the algorithm, key id, timestamp and payload digest.
func signingInput(alg Algorithm, keyID string, signedAt time.Time, payload []byte) string {
	digest := sha256.Sum256(payload)
	return "etdi-v1\n" + string(alg) + "\n" + keyID + "\n" +
		strconv.FormatInt(signedAt.Unix(), 10) + "\n" +
		base64.RawURLEncoding.EncodeToString(digest[:])
}

// Sign signs payload with key at the current time.
func Sign(payload []byte, key crypto.Signer, alg Algorithm, keyID string) (*SignedRequest, error) {
	return SignAt(payload, key, alg, keyID, time.Now())
}

// SignAt signs payload with key at the given time, truncated to seconds.
func SignAt(payload []byte, key crypto.Signer, alg Algorithm, keyID string, at time.Time) (*SignedRequest, error) {
	m, err := alg.method()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrNoPrivateKey
	}
	if err := alg.checkPublicKey(key.Public()); err != nil {
		return nil, err
	}

	at = at.UTC().Truncate(time.Second)
	sig, err := m.Sign(signingInput(alg, keyID, at, payload), key)
	if err != nil {
		return nil, fmt.Errorf("signing: sign with %s: %w", alg, err)
	}

	p := make([]byte, len(payload))
	copy(p, payload)
	return &SignedRequest{
		Payload:   p,
		Signature: sig,
		Algorithm: alg,
		KeyID:     keyID,
		SignedAt:  at,
	}, nil
}

// Verify checks sr against publicKey. It returns false with a nil error when
// the signature does not match, and an error when the request or key is
// malformed or the key does not fit the algorithm.
func Verify(sr *SignedRequest, publicKey crypto.PublicKey) (bool, error) {
	if sr == nil || len(sr.Signature) == 0 {
		return false, ErrMissingSignature
	}
	m, err := sr.Algorithm.method()
	if err != nil {
		return false, err
	}
	if publicKey == nil {
		return false, fmt.Errorf("%w: nil public key", ErrInvalidKey)
	}
	if err := sr.Algorithm.checkPublicKey(publicKey); err != nil {
		return false, err
	}

	err = m.Verify(signingInput(sr.Algorithm, sr.KeyID, sr.SignedAt, sr.Payload), sr.Signature, publicKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, jwt.ErrInvalidKeyType) {
		return false, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return false, nil
}
