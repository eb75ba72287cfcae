package signing

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"sync"
)

// PEMFileSource is a KeySource backed by private key files. Each signing
// call reads and parses the file, and the parsed key is dropped when the
// call returns.
type PEMFileSource struct {
	mu    sync.RWMutex
	files map[string]pemFile
}

type pemFile struct {
	path string
	alg  Algorithm
}

// NewPEMFileSource creates an empty file-backed key source.
func NewPEMFileSource() *PEMFileSource {
	return &PEMFileSource{files: make(map[string]pemFile)}
}

// Add maps keyID to a private key file. An empty alg is inferred from the
// key when it is first used.
func (s *PEMFileSource) Add(keyID, path string, alg Algorithm) error {
	if keyID == "" || path == "" {
		return fmt.Errorf("signing: key id and path are required")
	}
	if alg != "" {
		if _, err := alg.method(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.files[keyID] = pemFile{path: path, alg: alg}
	s.mu.Unlock()
	return nil
}

func (s *PEMFileSource) load(keyID string) (crypto.Signer, Algorithm, error) {
	s.mu.RLock()
	f, ok := s.files[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, "", fmt.Errorf("signing: read key %s: %w", keyID, err)
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, "", err
	}
	alg := f.alg
	if alg == "" {
		if alg, err = AlgorithmForKey(key.Public()); err != nil {
			return nil, "", err
		}
	}
	if err := alg.checkPublicKey(key.Public()); err != nil {
		return nil, "", err
	}
	return key, alg, nil
}

// UsePrivateKey implements KeySource.
func (s *PEMFileSource) UsePrivateKey(ctx context.Context, keyID string, fn func(crypto.Signer, Algorithm) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, alg, err := s.load(keyID)
	if err != nil {
		return err
	}
	return fn(key, alg)
}

// PublicKey implements KeySource.
func (s *PEMFileSource) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, Algorithm, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	key, alg, err := s.load(keyID)
	if err != nil {
		return nil, "", err
	}
	return key.Public(), alg, nil
}

// Ensure PEMFileSource implements KeySource
var _ KeySource = (*PEMFileSource)(nil)
