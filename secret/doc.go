// Package secret resolves credentials referenced from configuration.
//
// It supports:
//   - Strict environment expansion (see ExpandEnvStrict)
//   - Pluggable secret providers (see Provider, EnvProvider, FileProvider)
//   - Resolving secret references in configuration values (see Resolver)
//
// References use the prefix "secretref:":
//   - Full value:  secretref:file:/run/secrets/auth0_client_secret
//   - Inline use:  Bearer secretref:env:UPSTREAM_TOKEN
//
// Resolved values are never logged by this package.
package secret
