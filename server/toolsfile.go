package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/toolguard/integrity"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/policy"
	"github.com/jonwraymond/toolguard/resilience"
	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/signing"
	"github.com/jonwraymond/toolguard/verify"
)

// ToolSpec is one tool in a tools file.
type ToolSpec struct {
	ID                    string                 `yaml:"id"`
	Version               string                 `yaml:"version"`
	RequiredScopes        []string               `yaml:"required_scopes"`
	RequireRequestSigning bool                   `yaml:"require_request_signing"`
	ImplementationHash    string                 `yaml:"implementation_hash"`
	Signature             string                 `yaml:"signature"`
	PublicKeyPEM          string                 `yaml:"public_key_pem"`
	KeyAlgorithm          string                 `yaml:"key_algorithm"`
	AllowedCallees        []string               `yaml:"allowed_callees"`
	BlockedCallees        []string               `yaml:"blocked_callees"`
	MaxDepth              int                    `yaml:"max_depth"`
	Endpoint              string                 `yaml:"endpoint"`
	Definition            *integrity.Definition  `yaml:"definition"`
	ContractFile          string                 `yaml:"contract_file"`
	ContractType          integrity.ContractType `yaml:"contract_type"`
	MaxConcurrency        int                    `yaml:"max_concurrency"`
	CircuitBreaker        *CircuitSpec           `yaml:"circuit_breaker"`
}

// CircuitSpec configures the circuit breaker in front of a tool's endpoint.
type CircuitSpec struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ToolsFile is the YAML tool registration file.
type ToolsFile struct {
	// Policy overrides fields of policy.Default().
	Policy policy.SecurityPolicy `yaml:"policy"`

	Tools []ToolSpec `yaml:"tools"`

	dir      string
	breakers map[string]*resilience.CircuitBreaker
}

// LoadToolsFile reads and parses the tools file at path. Contract files
// are resolved relative to it.
func LoadToolsFile(path string) (*ToolsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", "server.load_tools", "read tools file", err)
	}
	f, err := ParseToolsFile(data)
	if err != nil {
		return nil, err
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// ParseToolsFile parses a tools file. Unknown keys are rejected.
func ParseToolsFile(data []byte) (*ToolsFile, error) {
	f := &ToolsFile{Policy: policy.Default()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", "server.load_tools", "parse tools file", err)
	}
	if err := f.Policy.Validate(); err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", "server.load_tools", err.Error(), err)
	}
	seen := make(map[string]bool, len(f.Tools))
	for _, spec := range f.Tools {
		if spec.ID == "" {
			return nil, secerr.New(secerr.KindConfiguration, "", "server.load_tools", "tool without id")
		}
		if seen[spec.ID] {
			return nil, secerr.New(secerr.KindConfiguration, spec.ID, "server.load_tools", "duplicate tool id")
		}
		if spec.MaxConcurrency < 0 {
			return nil, secerr.New(secerr.KindConfiguration, spec.ID, "server.load_tools", "max_concurrency must not be negative")
		}
		seen[spec.ID] = true
	}
	return f, nil
}

// Identity converts s into a tool identity.
func (s ToolSpec) Identity() (verify.ToolIdentity, error) {
	id := verify.ToolIdentity{
		ID:                    s.ID,
		Version:               s.Version,
		RequiredScopes:        s.RequiredScopes,
		ImplementationHash:    s.ImplementationHash,
		Signature:             s.Signature,
		RequireRequestSigning: s.RequireRequestSigning,
		CallConstraints: integrity.CallConstraints{
			MaxDepth:       s.MaxDepth,
			AllowedCallees: s.AllowedCallees,
			BlockedCallees: s.BlockedCallees,
		},
	}
	if s.PublicKeyPEM != "" {
		pub, err := signing.ParsePublicKeyPEM([]byte(s.PublicKeyPEM))
		if err != nil {
			return verify.ToolIdentity{}, fmt.Errorf("tool %s: %w", s.ID, err)
		}
		id.PublicKey = pub
	}
	if s.KeyAlgorithm != "" {
		alg, err := signing.ParseAlgorithm(s.KeyAlgorithm)
		if err != nil {
			return verify.ToolIdentity{}, fmt.Errorf("tool %s: %w", s.ID, err)
		}
		id.KeyAlgorithm = alg
	}
	return id, id.Validate()
}

// Register registers every tool in f with srv. Each tool forwards to its
// endpoint through client, signing with signer when the tool opts in.
func (f *ToolsFile) Register(ctx context.Context, srv *SecureServer, client *http.Client, signer *signing.Signer) error {
	for _, spec := range f.Tools {
		if spec.Endpoint == "" {
			return secerr.New(secerr.KindConfiguration, spec.ID, "server.load_tools", "tool has no endpoint")
		}
		id, err := spec.Identity()
		if err != nil {
			return secerr.Wrap(secerr.KindConfiguration, spec.ID, "server.load_tools", err.Error(), err)
		}

		opts := []ForwardOption{WithForwardSigner(signer)}
		if spec.MaxConcurrency > 0 {
			opts = append(opts, WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{
				MaxConcurrent: spec.MaxConcurrency,
			})))
		}
		if spec.CircuitBreaker != nil {
			cb := spec.CircuitBreaker.build(srv.cfg.Logger.WithTool(spec.ID))
			if f.breakers == nil {
				f.breakers = make(map[string]*resilience.CircuitBreaker)
			}
			f.breakers[spec.ID] = cb
			opts = append(opts, WithCircuitBreaker(cb))
		}

		tool := Tool{
			ToolIdentity: id,
			Definition:   spec.Definition,
			ContractType: spec.ContractType,
			Handler:      ForwardHandler(spec.Endpoint, client, opts...),
		}
		if spec.ContractFile != "" {
			path := spec.ContractFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(f.dir, path)
			}
			if tool.Contract, err = os.ReadFile(path); err != nil {
				return secerr.Wrap(secerr.KindConfiguration, spec.ID, "server.load_tools", "read contract", err)
			}
		}
		if err := srv.RegisterTool(ctx, tool); err != nil {
			return err
		}
	}
	return nil
}

// Breakers returns the circuit breakers Register created, by tool id.
func (f *ToolsFile) Breakers() map[string]*resilience.CircuitBreaker {
	out := make(map[string]*resilience.CircuitBreaker, len(f.breakers))
	for id, cb := range f.breakers {
		out[id] = cb
	}
	return out
}

func (c CircuitSpec) build(logger observe.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
		IsFailure:    UpstreamFailure,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn(context.Background(), "upstream circuit changed",
				observe.F("from", from.String()), observe.F("to", to.String()))
		},
	})
}
