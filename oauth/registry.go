package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/jonwraymond/toolguard/secerr"
)

// ProviderFactory creates a Provider from a validated config.
type ProviderFactory func(cfg *Config, client *http.Client) (Provider, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	validate  *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]ProviderFactory)}
	r.validate = newValidator(r)
	return r
}

// Register adds a factory.
func (r *Registry) Register(name string, factory ProviderFactory) error {
	if name == "" || factory == nil {
		return errors.New("oauth: invalid provider registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("oauth: provider %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewConfig validates opts and returns an immutable Config. Failures are
// secerr.KindConfiguration errors listing every problem.
func (r *Registry) NewConfig(opts Options) (*Config, error) {
	opts.Scopes = slices.Clone(opts.Scopes)
	if err := validateOptions(r.validate, opts); err != nil {
		return nil, err
	}
	return &Config{opts: opts}, nil
}

// Create instantiates the provider named by cfg.
func (r *Registry) Create(cfg *Config, client *http.Client) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider()]
	r.mu.RUnlock()

	if !ok {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", "oauth.create_provider",
			fmt.Sprintf("provider %q is not registered", cfg.Provider()), ErrUnknownProvider)
	}
	return factory(cfg, client)
}

// DefaultRegistry holds the built-in providers.
var DefaultRegistry = NewRegistry()

func init() {
	_ = DefaultRegistry.Register("auth0", endpointFactory("auth0", func(domain string) Endpoints {
		base := baseURL(domain)
		return Endpoints{
			TokenURL: base + "/oauth/token",
			JWKSURL:  base + "/.well-known/jwks.json",
			Issuer:   base + "/",
		}
	}))

	_ = DefaultRegistry.Register("okta", endpointFactory("okta", func(domain string) Endpoints {
		base := baseURL(domain) + "/oauth2/default"
		return Endpoints{
			TokenURL: base + "/v1/token",
			JWKSURL:  base + "/v1/keys",
			Issuer:   base,
		}
	}))

	_ = DefaultRegistry.Register("azure", endpointFactory("azure", func(tenant string) Endpoints {
		base := "https://login.microsoftonline.com/" + strings.Trim(tenant, "/")
		return Endpoints{
			TokenURL: base + "/oauth2/v2.0/token",
			JWKSURL:  base + "/discovery/v2.0/keys",
			Issuer:   base + "/v2.0",
		}
	}))

	_ = DefaultRegistry.Register("custom", endpointFactory("custom", func(string) Endpoints {
		return Endpoints{}
	}))
}

// endpointFactory builds a client-credentials factory whose default
// endpoints derive from the config domain. Config overrides win.
func endpointFactory(name string, defaults func(domain string) Endpoints) ProviderFactory {
	return func(cfg *Config, client *http.Client) (Provider, error) {
		ep := defaults(cfg.Domain())
		if u := cfg.TokenURL(); u != "" {
			ep.TokenURL = u
		}
		if u := cfg.JWKSURL(); u != "" {
			ep.JWKSURL = u
		}
		if iss := cfg.Issuer(); iss != "" {
			ep.Issuer = iss
		}
		if ep.TokenURL == "" {
			return nil, secerr.New(secerr.KindConfiguration, "", "oauth.create_provider",
				name+" provider requires a token URL")
		}
		return NewClientCredentialsProvider(name, cfg, ep, client), nil
	}
}

func baseURL(domain string) string {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	if strings.HasPrefix(domain, "https://") || strings.HasPrefix(domain, "http://") {
		return domain
	}
	return "https://" + domain
}
