package oauth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/secret"
)

func setAuth0Env(t *testing.T) {
	t.Setenv(EnvDomain, "tenant.auth0.com")
	t.Setenv(EnvClientID, "client")
	t.Setenv(EnvClientSecret, "s3cr3t")
	t.Setenv(EnvAudience, "https://api.example.com")
}

func TestConfigFromEnv(t *testing.T) {
	setAuth0Env(t)
	cfg, err := ConfigFromEnv(context.Background(), nil)
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if cfg.Provider() != "auth0" || cfg.Domain() != "tenant.auth0.com" || cfg.ClientSecret() != "s3cr3t" {
		t.Errorf("cfg = %v", cfg)
	}
}

func TestConfigFromEnv_MissingNamesAll(t *testing.T) {
	setAuth0Env(t)
	t.Setenv(EnvClientID, "")
	t.Setenv(EnvAudience, "  ")

	_, err := ConfigFromEnv(context.Background(), nil)
	if !errors.Is(err, secerr.ErrConfiguration) {
		t.Fatalf("ConfigFromEnv() error = %v, want ConfigurationError", err)
	}
	msg := secerr.Public(err).Message
	for _, name := range []string{EnvClientID, EnvAudience} {
		if !strings.Contains(msg, name) {
			t.Errorf("message %q does not name %s", msg, name)
		}
	}
	if strings.Contains(msg, EnvDomain) {
		t.Errorf("message %q names a present variable", msg)
	}
}

func TestConfigFromEnv_SecretRef(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "client_secret"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	setAuth0Env(t)
	t.Setenv(EnvClientSecret, "secretref:file:client_secret")

	r := secret.NewResolver(true, secret.EnvProvider{}, secret.FileProvider{BaseDir: dir})
	cfg, err := ConfigFromEnv(context.Background(), r)
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if cfg.ClientSecret() != "from-file" {
		t.Errorf("ClientSecret() = %q", cfg.ClientSecret())
	}

	t.Setenv(EnvClientSecret, "secretref:vault:x")
	if _, err := ConfigFromEnv(context.Background(), r); !errors.Is(err, secret.ErrUnknownProvider) {
		t.Errorf("unknown provider error = %v", err)
	}
}

func TestToolScopes(t *testing.T) {
	got := ToolScopes("calc", "1.2.0")
	if len(got) != 2 || got[0] != "tool:calc:execute" || got[1] != "tool:calc:version:1.2.0" {
		t.Errorf("ToolScopes() = %v", got)
	}
	if got := ToolScopes("calc", ""); len(got) != 1 {
		t.Errorf("ToolScopes(no version) = %v", got)
	}
}
