package oauth

import (
	"context"

	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/secret"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvDomain       = "AUTH0_DOMAIN"
	EnvClientID     = "AUTH0_CLIENT_ID"
	EnvClientSecret = "AUTH0_CLIENT_SECRET"
	EnvAudience     = "AUTH0_AUDIENCE"
)

// ConfigFromEnv builds an auth0 Config from the AUTH0_* environment
// variables. Every variable is read once; if any are missing the error names
// all of them. Values may be secretref:<provider>:<ref> references resolved
// through resolver (nil uses secret.DefaultResolver). Other values are used
// verbatim.
func ConfigFromEnv(ctx context.Context, resolver *secret.Resolver) (*Config, error) {
	const op = "oauth.config_from_env"

	raw, err := secret.RequireEnv(EnvDomain, EnvClientID, EnvClientSecret, EnvAudience)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", op, err.Error(), err)
	}

	if resolver == nil {
		resolver = secret.DefaultResolver()
		defer func() { _ = resolver.Close() }()
	}
	vals := make(map[string]string, len(raw))
	for name, v := range raw {
		if _, _, ok := secret.ParseSecretRef(v); !ok {
			vals[name] = v
			continue
		}
		resolved, err := resolver.ResolveValue(ctx, v)
		if err != nil {
			return nil, secerr.Wrap(secerr.KindConfiguration, "", op, "resolve "+name, err)
		}
		vals[name] = resolved
	}

	return NewConfig(Options{
		Provider:     "auth0",
		Domain:       vals[EnvDomain],
		ClientID:     vals[EnvClientID],
		ClientSecret: vals[EnvClientSecret],
		Audience:     vals[EnvAudience],
	})
}
