package oauth

import (
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/jonwraymond/toolguard/secerr"
)

func TestDefaultRegistry_Endpoints(t *testing.T) {
	tests := []struct {
		provider string
		domain   string
		want     Endpoints
	}{
		{"auth0", "tenant.auth0.com", Endpoints{
			TokenURL: "https://tenant.auth0.com/oauth/token",
			JWKSURL:  "https://tenant.auth0.com/.well-known/jwks.json",
			Issuer:   "https://tenant.auth0.com/",
		}},
		{"okta", "https://dev-1.okta.com/", Endpoints{
			TokenURL: "https://dev-1.okta.com/oauth2/default/v1/token",
			JWKSURL:  "https://dev-1.okta.com/oauth2/default/v1/keys",
			Issuer:   "https://dev-1.okta.com/oauth2/default",
		}},
		{"azure", "tenant-id", Endpoints{
			TokenURL: "https://login.microsoftonline.com/tenant-id/oauth2/v2.0/token",
			JWKSURL:  "https://login.microsoftonline.com/tenant-id/discovery/v2.0/keys",
			Issuer:   "https://login.microsoftonline.com/tenant-id/v2.0",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			opts := validOptions()
			opts.Provider, opts.Domain = tt.provider, tt.domain
			cfg, err := NewConfig(opts)
			if err != nil {
				t.Fatal(err)
			}
			p, err := DefaultRegistry.Create(cfg, nil)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if p.Name() != tt.provider {
				t.Errorf("Name() = %q", p.Name())
			}
			if got := p.Endpoints(); got != tt.want {
				t.Errorf("Endpoints() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRegistry_OverridesAndUnknown(t *testing.T) {
	opts := validOptions()
	opts.TokenURL = "http://127.0.0.1:9/token"
	cfg, _ := NewConfig(opts)
	p, err := DefaultRegistry.Create(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Endpoints().TokenURL != opts.TokenURL {
		t.Errorf("TokenURL override ignored: %s", p.Endpoints().TokenURL)
	}

	r := NewRegistry()
	if _, err := r.NewConfig(validOptions()); !errors.Is(err, secerr.ErrConfiguration) {
		t.Errorf("empty registry accepted auth0: %v", err)
	}
	if _, err := r.Create(cfg, nil); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Create() error = %v, want ErrUnknownProvider", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	f := func(*Config, *http.Client) (Provider, error) { return nil, nil }
	if err := r.Register("x", f); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("x", f); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register("", f); err == nil {
		t.Error("empty name should fail")
	}
	if got := DefaultRegistry.List(); !reflect.DeepEqual(got, []string{"auth0", "azure", "custom", "okta"}) {
		t.Errorf("List() = %v", got)
	}
}
