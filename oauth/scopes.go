package oauth

import "github.com/jonwraymond/toolguard/integrity"

// ExecuteScope is the scope granting execution of toolID.
func ExecuteScope(toolID string) string {
	return "tool:" + toolID + ":execute"
}

// ToolScopes returns the tool-bound scopes requested for toolID at version.
func ToolScopes(toolID, version string) []string {
	scopes := []string{ExecuteScope(toolID)}
	if version != "" {
		scopes = append(scopes, "tool:"+toolID+":version:"+version)
	}
	return scopes
}

// IntegrityScopes returns tool-bound scopes pinning rec's definition,
// contract and implementation hashes, so a token issued for one revision of
// a tool does not cover another.
func IntegrityScopes(rec integrity.Record) []string {
	scopes := ToolScopes(rec.ToolID, rec.ToolVersion)
	scopes = append(scopes, "tool:"+rec.ToolID+":integrity:"+short(rec.DefinitionHash))
	if rec.Contract != nil && rec.Contract.Hash != "" {
		scopes = append(scopes, "tool:"+rec.ToolID+":contract:"+short(rec.Contract.Hash))
	}
	if rec.ImplementationHash != "" {
		scopes = append(scopes, "tool:"+rec.ToolID+":impl:"+short(rec.ImplementationHash))
	}
	return scopes
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
