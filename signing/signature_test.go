package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func mustKey(t *testing.T, alg Algorithm) crypto.Signer {
	t.Helper()
	k, err := GenerateKey(alg)
	if err != nil {
		t.Fatalf("GenerateKey(%s) error = %v", alg, err)
	}
	return k
}

func TestSignVerify_RoundTrip(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			key := mustKey(t, alg)
			payload := []byte(`{"tool_id":"calc","params":{"a":1}}`)

			sr, err := Sign(payload, key, alg, "k1")
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			ok, err := Verify(sr, key.Public())
			if err != nil || !ok {
				t.Fatalf("Verify() = %v, %v; want true, nil", ok, err)
			}
		})
	}
}

func TestVerify_DetectsMutation(t *testing.T) {
	key := mustKey(t, ES256)
	sr, err := SignAt([]byte("payload"), key, ES256, "k1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}

	mutations := map[string]func(*SignedRequest){
		"payload":   func(s *SignedRequest) { s.Payload = []byte("payloaD") },
		"key id":    func(s *SignedRequest) { s.KeyID = "k2" },
		"timestamp": func(s *SignedRequest) { s.SignedAt = s.SignedAt.Add(time.Second) },
		"signature": func(s *SignedRequest) {
			s.Signature = append([]byte(nil), s.Signature...)
			s.Signature[0] ^= 0xff
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cp := *sr
			mutate(&cp)
			ok, err := Verify(&cp, key.Public())
			if err != nil {
				t.Fatalf("Verify() error = %v, want nil for a bad signature", err)
			}
			if ok {
				t.Error("Verify() = true for a mutated request")
			}
		})
	}

	if ok, _ := Verify(sr, key.Public()); !ok {
		t.Error("original request no longer verifies")
	}
}

func TestVerify_WrongKeyIsFalse(t *testing.T) {
	a := mustKey(t, ES384)
	b := mustKey(t, ES384)
	sr, _ := Sign([]byte("x"), a, ES384, "a")
	ok, err := Verify(sr, b.Public())
	if ok || err != nil {
		t.Errorf("Verify(other key) = %v, %v; want false, nil", ok, err)
	}
}

func TestVerify_KeyAlgorithmMismatchIsError(t *testing.T) {
	rsaKey := mustKey(t, RS256)
	ecKey := mustKey(t, ES256)

	sr, err := Sign([]byte("x"), rsaKey, RS256, "r")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := Verify(sr, ecKey.Public()); ok || !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Verify(RS256, EC key) = %v, %v; want ErrInvalidKey", ok, err)
	}

	p384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if _, err := Sign([]byte("x"), p384, ES256, "e"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Sign(ES256, P-384 key) error = %v, want ErrInvalidKey", err)
	}

	sr.Algorithm = "HS256"
	if _, err := Verify(sr, rsaKey.Public()); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Verify(HS256) error = %v, want ErrUnsupportedAlgorithm", err)
	}
	if _, err := Verify(nil, rsaKey.Public()); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("Verify(nil) error = %v, want ErrMissingSignature", err)
	}
}

func TestSign_DoesNotAliasPayload(t *testing.T) {
	key := mustKey(t, ES256)
	payload := []byte("abc")
	sr, _ := Sign(payload, key, ES256, "k")
	payload[0] = 'z'
	if ok, _ := Verify(sr, key.Public()); !ok {
		t.Error("SignedRequest shares the caller's payload buffer")
	}
}

func TestParseAlgorithm(t *testing.T) {
	if a, err := ParseAlgorithm("es384"); err != nil || a != ES384 {
		t.Errorf("ParseAlgorithm(es384) = %v, %v", a, err)
	}
	if _, err := ParseAlgorithm("none"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("ParseAlgorithm(none) error = %v", err)
	}
}

func TestAlgorithmForKey(t *testing.T) {
	tests := []struct {
		alg  Algorithm
		want Algorithm
	}{
		{RS256, RS256},
		{PS256, RS256},
		{ES256, ES256},
		{ES384, ES384},
	}
	for _, tt := range tests {
		got, err := AlgorithmForKey(mustKey(t, tt.alg).Public())
		if err != nil || got != tt.want {
			t.Errorf("AlgorithmForKey(%s key) = %v, %v; want %v", tt.alg, got, err, tt.want)
		}
	}
}
