// Package integrity fingerprints tool definitions and detects rug pulls:
// a registered tool whose definition, backend contract or behavior changes
// after approval without a legitimate version update.
package integrity

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/toolguard/canonical"
)

// ErrInvalidDefinition is returned for definitions missing an id or version.
var ErrInvalidDefinition = errors.New("integrity: definition requires id and version")

// Permission is a scope a tool requests.
type Permission struct {
	Scope       string `json:"scope" yaml:"scope"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ProviderInfo identifies who publishes a tool.
type ProviderInfo struct {
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// CallConstraints restrict how a tool participates in call chains.
type CallConstraints struct {
	MaxDepth       int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	AllowedCallees []string `json:"allowed_callees,omitempty" yaml:"allowed_callees,omitempty"`
	BlockedCallees []string `json:"blocked_callees,omitempty" yaml:"blocked_callees,omitempty"`
}

// Definition is the approved, hashable description of a tool.
type Definition struct {
	ID                    string           `json:"id" yaml:"id"`
	Name                  string           `json:"name" yaml:"name"`
	Version               string           `json:"version" yaml:"version"`
	Description           string           `json:"description" yaml:"description"`
	Provider              ProviderInfo     `json:"provider" yaml:"provider"`
	Schema                map[string]any   `json:"schema" yaml:"schema"`
	Permissions           []Permission     `json:"permissions" yaml:"permissions"`
	RequireRequestSigning bool             `json:"require_request_signing" yaml:"require_request_signing"`
	CallConstraints       *CallConstraints `json:"call_stack_constraints,omitempty" yaml:"call_stack_constraints,omitempty"`
}

// Validate checks that the definition can be fingerprinted.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Version) == "" {
		return ErrInvalidDefinition
	}
	return nil
}

// Scopes returns the requested scopes, sorted.
func (d Definition) Scopes() []string {
	out := make([]string, 0, len(d.Permissions))
	for _, p := range d.Permissions {
		out = append(out, p.Scope)
	}
	sort.Strings(out)
	return out
}

// DefinitionHash returns the SHA-256 of the canonical definition. Permission
// order does not affect the hash.
func DefinitionHash(d Definition) (string, error) {
	perms := make([]Permission, len(d.Permissions))
	copy(perms, d.Permissions)
	sort.SliceStable(perms, func(i, j int) bool { return perms[i].Scope < perms[j].Scope })
	d.Permissions = perms
	if d.Schema == nil {
		d.Schema = map[string]any{}
	}
	h, err := canonical.Hash(d)
	if err != nil {
		return "", fmt.Errorf("integrity: hash definition %s: %w", d.ID, err)
	}
	return h, nil
}

// BehaviorSignature fingerprints the parts of a definition that determine
// runtime behavior: input and output schema, scopes, call constraints,
// signing requirement and provider type/version.
func BehaviorSignature(d Definition) (string, error) {
	data := map[string]any{
		"input_schema":     schemaPart(d.Schema, "input"),
		"output_schema":    schemaPart(d.Schema, "output"),
		"permissions":      d.Scopes(),
		"call_constraints": d.CallConstraints,
		"requires_signing": d.RequireRequestSigning,
		"provider_type":    d.Provider.Type,
		"provider_version": d.Provider.Version,
	}
	h, err := canonical.Hash(data)
	if err != nil {
		return "", fmt.Errorf("integrity: behavior signature %s: %w", d.ID, err)
	}
	return h, nil
}

func schemaPart(schema map[string]any, key string) any {
	if v, ok := schema[key]; ok {
		return v
	}
	return map[string]any{}
}

// ContractType names an API contract format.
type ContractType string

const (
	ContractOpenAPI ContractType = "openapi"
	ContractGraphQL ContractType = "graphql"
	ContractCustom  ContractType = "custom"
)

// ContractHash returns the SHA-256 of an API contract. OpenAPI documents
// (YAML or JSON) are parsed and canonicalized first so that formatting and
// key order do not matter; unparsable documents and other types hash their
// trimmed text.
func ContractHash(content []byte, typ ContractType) string {
	if strings.EqualFold(string(typ), string(ContractOpenAPI)) {
		var doc any
		if err := yaml.Unmarshal(content, &doc); err == nil && doc != nil {
			if b, err := canonical.Marshal(normalizeYAML(doc)); err == nil {
				return canonical.HashBytes(b)
			}
		}
	}
	return canonical.HashBytes(bytes.TrimSpace(content))
}

// normalizeYAML converts map[any]any nodes, which encoding/json rejects,
// into map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return val
	}
}
