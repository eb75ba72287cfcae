package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is a signature algorithm tag.
type Algorithm string

// Supported algorithms.
const (
	RS256 Algorithm = "RS256"
	PS256 Algorithm = "PS256"
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = RS256

// Algorithms lists the supported algorithms.
func Algorithms() []Algorithm {
	return []Algorithm{RS256, PS256, ES256, ES384}
}

// ParseAlgorithm parses an algorithm tag case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm(strings.ToUpper(strings.TrimSpace(s)))
	for _, a := range Algorithms() {
		if a == alg {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

func (a Algorithm) method() (jwt.SigningMethod, error) {
	switch a {
	case RS256, PS256, ES256, ES384:
		if m := jwt.GetSigningMethod(string(a)); m != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

func (a Algorithm) curve() elliptic.Curve {
	switch a {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	}
	return nil
}

func (a Algorithm) isRSA() bool { return a == RS256 || a == PS256 }

// CheckKey reports whether pub can verify signatures made with alg.
func CheckKey(alg Algorithm, pub crypto.PublicKey) error {
	if _, err := alg.method(); err != nil {
		return err
	}
	return alg.checkPublicKey(pub)
}

// checkPublicKey reports whether pub is usable with a.
func (a Algorithm) checkPublicKey(pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if a.isRSA() {
			return nil
		}
	case *ecdsa.PublicKey:
		if c := a.curve(); c != nil && k.Curve == c {
			return nil
		}
	}
	return fmt.Errorf("%w: %s with %T", ErrInvalidKey, a, pub)
}

// AlgorithmForKey infers the algorithm for a key: RSA keys map to RS256,
// P-256 to ES256 and P-384 to ES384.
func AlgorithmForKey(pub crypto.PublicKey) (Algorithm, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return RS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return ES256, nil
		case elliptic.P384():
			return ES384, nil
		}
	}
	return "", fmt.Errorf("%w: no algorithm for %T", ErrInvalidKey, pub)
}
