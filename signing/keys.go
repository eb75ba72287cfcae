package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeySource supplies signing keys.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Ownership: the private key passed to fn must not be retained after fn
//   returns.
// - Errors: unknown key ids return ErrKeyNotFound; revoked keys ErrKeyRevoked.
type KeySource interface {
	// UsePrivateKey lends the private key for keyID to fn.
	UsePrivateKey(ctx context.Context, keyID string, fn func(key crypto.Signer, alg Algorithm) error) error

	// PublicKey returns the public key and algorithm for keyID.
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, Algorithm, error)
}

// RSAKeyBits is the modulus size of generated RSA keys.
const RSAKeyBits = 2048

// GenerateKey creates a private key suited to alg.
func GenerateKey(alg Algorithm) (crypto.Signer, error) {
	if _, err := alg.method(); err != nil {
		return nil, err
	}
	if alg.isRSA() {
		return rsa.GenerateKey(rand.Reader, RSAKeyBits)
	}
	return ecdsa.GenerateKey(alg.curve(), rand.Reader)
}

// Fingerprint returns the hex SHA-256 of the key's PKIX DER encoding.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" PEM block.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX public key or certificate.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		return cert.PublicKey, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		return pub, nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		return pub, nil
	}
}

// ParsePrivateKeyPEM decodes a PKCS#8, PKCS#1 or SEC 1 private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		return k, nil
	default:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a signer", ErrInvalidKey, k)
		}
		return signer, nil
	}
}

// KeyInfo describes a managed key without exposing private material.
type KeyInfo struct {
	ID          string    `json:"id"`
	Algorithm   Algorithm `json:"algorithm"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	Trusted     bool      `json:"trusted,omitempty"` // imported public key only
	Retired     bool      `json:"retired,omitempty"` // verifies but no longer signs
	Revoked     bool      `json:"revoked,omitempty"`
}

type managedKey struct {
	info KeyInfo
	priv crypto.Signer
	pub  crypto.PublicKey
}

// KeyManager is an in-memory KeySource that generates, rotates, revokes,
// exports and imports keys.
type KeyManager struct {
	mu     sync.RWMutex
	keys   map[string]*managedKey
	active string
	now    func() time.Time
}

// NewKeyManager creates an empty key manager.
func NewKeyManager() *KeyManager {
	return &KeyManager{keys: make(map[string]*managedKey), now: time.Now}
}

// Generate creates a key for alg. An empty keyID derives one from the
// fingerprint. The first generated key becomes the active signing key.
func (m *KeyManager) Generate(alg Algorithm, keyID string) (KeyInfo, error) {
	priv, err := GenerateKey(alg)
	if err != nil {
		return KeyInfo{}, err
	}
	return m.add(priv, alg, keyID)
}

// AddPrivateKey registers an existing private key.
func (m *KeyManager) AddPrivateKey(priv crypto.Signer, alg Algorithm, keyID string) (KeyInfo, error) {
	if priv == nil {
		return KeyInfo{}, ErrNoPrivateKey
	}
	if err := alg.checkPublicKey(priv.Public()); err != nil {
		return KeyInfo{}, err
	}
	return m.add(priv, alg, keyID)
}

func (m *KeyManager) add(priv crypto.Signer, alg Algorithm, keyID string) (KeyInfo, error) {
	fp, err := Fingerprint(priv.Public())
	if err != nil {
		return KeyInfo{}, err
	}
	if keyID == "" {
		keyID = "key-" + fp[:16]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[keyID]; exists {
		return KeyInfo{}, fmt.Errorf("signing: key %q already exists", keyID)
	}
	info := KeyInfo{ID: keyID, Algorithm: alg, Fingerprint: fp, CreatedAt: m.now().UTC()}
	m.keys[keyID] = &managedKey{info: info, priv: priv, pub: priv.Public()}
	if m.active == "" {
		m.active = keyID
	}
	return info, nil
}

// ImportTrustedKey registers a peer's public key for verification only.
func (m *KeyManager) ImportTrustedKey(keyID string, pemData []byte, alg Algorithm) (KeyInfo, error) {
	pub, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		return KeyInfo{}, err
	}
	if alg == "" {
		if alg, err = AlgorithmForKey(pub); err != nil {
			return KeyInfo{}, err
		}
	}
	if err := alg.checkPublicKey(pub); err != nil {
		return KeyInfo{}, err
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return KeyInfo{}, err
	}
	if keyID == "" {
		keyID = "key-" + fp[:16]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info := KeyInfo{ID: keyID, Algorithm: alg, Fingerprint: fp, CreatedAt: m.now().UTC(), Trusted: true}
	m.keys[keyID] = &managedKey{info: info, pub: pub}
	return info, nil
}

// Rotate generates a replacement for keyID with the same algorithm. The old
// key is retired: it still verifies but no longer signs. If keyID was the
// active key, the replacement becomes active.
func (m *KeyManager) Rotate(keyID string) (KeyInfo, error) {
	m.mu.RLock()
	old, ok := m.keys[keyID]
	m.mu.RUnlock()
	if !ok {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if old.priv == nil {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrNoPrivateKey, keyID)
	}

	info, err := m.Generate(old.info.Algorithm, "")
	if err != nil {
		return KeyInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old.info.Retired = true
	if m.active == keyID {
		m.active = info.ID
	}
	return info, nil
}

// Revoke withdraws keyID: it neither signs nor verifies afterwards.
func (m *KeyManager) Revoke(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	k.info.Revoked = true
	k.priv = nil
	if m.active == keyID {
		m.active = ""
	}
	return nil
}

// ActiveKeyID returns the key used by default for signing.
func (m *KeyManager) ActiveKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive makes keyID the default signing key.
func (m *KeyManager) SetActive(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if k.priv == nil || k.info.Retired || k.info.Revoked {
		return fmt.Errorf("%w: %s", ErrNoPrivateKey, keyID)
	}
	m.active = keyID
	return nil
}

// List returns every key, sorted by id.
func (m *KeyManager) List() []KeyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyInfo, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExportPublicKeyPEM returns the PEM public key for keyID.
func (m *KeyManager) ExportPublicKeyPEM(keyID string) ([]byte, error) {
	pub, _, err := m.PublicKey(context.Background(), keyID)
	if err != nil {
		return nil, err
	}
	return MarshalPublicKeyPEM(pub)
}

// UsePrivateKey implements KeySource.
func (m *KeyManager) UsePrivateKey(ctx context.Context, keyID string, fn func(crypto.Signer, Algorithm) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	k, ok := m.keys[keyID]
	var (
		priv crypto.Signer
		info KeyInfo
	)
	if ok {
		priv, info = k.priv, k.info
	}
	m.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	case info.Revoked:
		return fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	case priv == nil || info.Retired:
		return fmt.Errorf("%w: %s", ErrNoPrivateKey, keyID)
	}
	return fn(priv, info.Algorithm)
}

// PublicKey implements KeySource.
func (m *KeyManager) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, Algorithm, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if k.info.Revoked {
		return nil, "", fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	return k.pub, k.info.Algorithm, nil
}

// Ensure KeyManager implements KeySource
var _ KeySource = (*KeyManager)(nil)
