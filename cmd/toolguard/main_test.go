package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/policy"
	"github.com/jonwraymond/toolguard/server"
	"github.com/jonwraymond/toolguard/signing"
	"github.com/jonwraymond/toolguard/verify"
)

const implHash = "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "toolguard version dev\n" {
		t.Errorf("output = %q", out)
	}
}

func TestKeysGenerateAndSignImpl(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "tool.pem")
	pub := filepath.Join(dir, "tool.pub.pem")

	if _, err := run(t, "keys", "generate", "--alg", "ES384", "--out", priv, "--public-out", pub); err != nil {
		t.Fatalf("keys generate: %v", err)
	}
	info, err := os.Stat(priv)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v", info.Mode().Perm())
	}
	if _, err := run(t, "keys", "generate", "--out", priv, "--public-out", pub); err == nil {
		t.Error("generate must not overwrite without --force")
	}

	sig, err := run(t, "keys", "sign-impl", "--key", priv, "--tool", "calc", "--hash", strings.ToUpper(implHash))
	if err != nil {
		t.Fatalf("keys sign-impl: %v", err)
	}
	pubPEM, err := os.ReadFile(pub)
	if err != nil {
		t.Fatal(err)
	}

	spec := server.ToolSpec{
		ID:                 "calc",
		ImplementationHash: implHash,
		Signature:          strings.TrimSpace(sig),
		PublicKeyPEM:       string(pubPEM),
	}
	id, err := spec.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if alg, _ := signing.AlgorithmForKey(id.PublicKey); alg != signing.ES384 {
		t.Errorf("key algorithm = %s, want ES384", alg)
	}

	gate := verify.NewGate(verify.GateConfig{})
	tok := &oauth.Token{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := gate.Verify(context.Background(), &id, policy.Default(), tok); err != nil {
		t.Errorf("Verify() with signed implementation error = %v", err)
	}
}

func TestKeysSignImpl_RejectsMismatchedAlgorithm(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "tool.pem")
	if _, err := run(t, "keys", "generate", "--out", priv); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "keys", "sign-impl", "--key", priv, "--tool", "calc", "--hash", implHash, "--alg", "RS256"); err == nil {
		t.Error("sign-impl with an RSA algorithm for an EC key should fail")
	}
}

func TestServe_StartupErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		opts serveOptions
	}{
		{"missing tools file", serveOptions{noBroker: true, toolsPath: filepath.Join(dir, "missing.yaml")}},
		{"bad metrics exporter", serveOptions{noBroker: true, metrics: "graphite", toolsPath: filepath.Join(dir, "missing.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.tracing = "none"
			if tt.opts.metrics == "" {
				tt.opts.metrics = "none"
			}
			tt.opts.shutdownTimeout = time.Second
			if err := runServe(context.Background(), tt.opts); err == nil {
				t.Error("runServe() should fail")
			}
		})
	}
}

func TestServe_BrokerRequiresEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(path, []byte("tools: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{oauth.EnvDomain, oauth.EnvClientID, oauth.EnvClientSecret, oauth.EnvAudience} {
		t.Setenv(name, "")
	}
	err := runServe(context.Background(), serveOptions{
		toolsPath:       path,
		tracing:         "none",
		metrics:         "none",
		shutdownTimeout: time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), oauth.EnvClientSecret) {
		t.Errorf("runServe() error = %v, want missing %s", err, oauth.EnvClientSecret)
	}
}

func TestLoadTrustedKeys(t *testing.T) {
	dir := t.TempDir()
	key, err := signing.GenerateKey(signing.ES256)
	if err != nil {
		t.Fatal(err)
	}
	pemData, err := signing.MarshalPublicKeyPEM(key.Public())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "client.pem")
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		t.Fatal(err)
	}

	km, err := loadTrustedKeys([]string{"client-1=" + path})
	if err != nil {
		t.Fatalf("loadTrustedKeys() error = %v", err)
	}
	if _, alg, err := km.PublicKey(context.Background(), "client-1"); err != nil || alg != signing.ES256 {
		t.Errorf("PublicKey() = %s, %v", alg, err)
	}

	for _, spec := range []string{"no-separator", "=path", "id=" + filepath.Join(dir, "missing.pem")} {
		if _, err := loadTrustedKeys([]string{spec}); err == nil {
			t.Errorf("loadTrustedKeys(%q) should fail", spec)
		}
	}
}
