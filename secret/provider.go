package secret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider resolves secrets by reference string.
//
// Implementations must be safe for concurrent use and must not log secret values.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
	Close() error
}

// EnvProvider resolves a reference as an environment variable name.
type EnvProvider struct{}

// Name returns "env".
func (EnvProvider) Name() string { return "env" }

// Resolve returns the value of the environment variable ref.
func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, ref)
	}
	return v, nil
}

// Close is a no-op.
func (EnvProvider) Close() error { return nil }

// FileProvider resolves a reference as a file path, as used for mounted
// secrets. Trailing newlines are trimmed.
type FileProvider struct {
	// BaseDir, when set, confines relative references to this directory.
	BaseDir string
}

// Name returns "file".
func (p FileProvider) Name() string { return "file" }

// Resolve reads the file named by ref.
func (p FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	path := ref
	if p.BaseDir != "" && !filepath.IsAbs(ref) {
		path = filepath.Join(p.BaseDir, filepath.Clean("/"+ref))
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("secret: read %s: %w", ref, err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Close is a no-op.
func (p FileProvider) Close() error { return nil }

// Ensure providers implement Provider
var (
	_ Provider = EnvProvider{}
	_ Provider = FileProvider{}
)
