package oauth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jonwraymond/toolguard/secerr"
)

// Options is the input to NewConfig.
type Options struct {
	// Provider names a factory in the registry (auth0, okta, azure, custom).
	Provider string `validate:"required,oauth_provider"`

	// ClientID is the client-credentials client id.
	ClientID string `validate:"required"`

	// ClientSecret is the client-credentials secret.
	ClientSecret string `validate:"required"`

	// Domain is the provider domain (Auth0/Okta) or tenant id (Azure).
	// Not required for custom providers.
	Domain string `validate:"required_unless=Provider custom"`

	// Audience is the API identifier requested in grants. Must be an
	// absolute URI.
	Audience string `validate:"required,url"`

	// Scopes are requested in addition to per-call permissions.
	Scopes []string `validate:"dive,required"`

	// TokenURL overrides the provider's token endpoint. Required for custom
	// providers.
	TokenURL string `validate:"omitempty,url"`

	// JWKSURL overrides the provider's JWKS endpoint.
	JWKSURL string `validate:"omitempty,url"`

	// Issuer overrides the expected JWT issuer.
	Issuer string
}

// Config is a validated, immutable OAuth configuration.
type Config struct {
	opts Options
}

// NewConfig validates opts against DefaultRegistry.
func NewConfig(opts Options) (*Config, error) {
	return DefaultRegistry.NewConfig(opts)
}

// Provider returns the provider name.
func (c *Config) Provider() string { return c.opts.Provider }

// ClientID returns the client id.
func (c *Config) ClientID() string { return c.opts.ClientID }

// ClientSecret returns the client secret.
func (c *Config) ClientSecret() string { return c.opts.ClientSecret }

// Domain returns the provider domain or tenant.
func (c *Config) Domain() string { return c.opts.Domain }

// Audience returns the API audience.
func (c *Config) Audience() string { return c.opts.Audience }

// Scopes returns a copy of the configured scopes.
func (c *Config) Scopes() []string { return slices.Clone(c.opts.Scopes) }

// TokenURL returns the configured token endpoint override, if any.
func (c *Config) TokenURL() string { return c.opts.TokenURL }

// JWKSURL returns the configured JWKS override, if any.
func (c *Config) JWKSURL() string { return c.opts.JWKSURL }

// Issuer returns the configured issuer override, if any.
func (c *Config) Issuer() string { return c.opts.Issuer }

// String describes the config without the client secret.
func (c *Config) String() string {
	return fmt.Sprintf("oauth.Config{provider=%s domain=%s client_id=%s audience=%s}",
		c.opts.Provider, c.opts.Domain, c.opts.ClientID, c.opts.Audience)
}

func newValidator(r *Registry) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("oauth_provider", func(fl validator.FieldLevel) bool {
		return r.Has(fl.Field().String())
	})
	return v
}

func validateOptions(v *validator.Validate, opts Options) error {
	var problems []string
	if err := v.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return secerr.Wrap(secerr.KindConfiguration, "", "oauth.new_config", "invalid configuration", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}
	if opts.Provider == "custom" && opts.TokenURL == "" {
		problems = append(problems, "TokenURL is required for custom providers")
	}
	if len(problems) > 0 {
		return secerr.Wrap(secerr.KindConfiguration, "", "oauth.new_config",
			strings.Join(problems, "; "), ErrInvalidConfig)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_unless":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be an absolute URI"
	case "oauth_provider":
		return fmt.Sprintf("provider %q is not registered", fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
