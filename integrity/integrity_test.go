package integrity

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

const openAPIYAML = `
openapi: 3.0.0
info:
  title: Weather
  version: 1.0.0
paths:
  /forecast:
    get:
      responses:
        "200":
          description: ok
`

const openAPIJSON = `{"paths":{"/forecast":{"get":{"responses":{"200":{"description":"ok"}}}}},
 "info":{"version":"1.0.0","title":"Weather"},"openapi":"3.0.0"}`

func baseDefinition() Definition {
	return Definition{
		ID:          "weather",
		Name:        "Weather",
		Version:     "1.0.0",
		Description: "Forecasts",
		Provider:    ProviderInfo{ID: "acme", Name: "Acme", Type: "http", Version: "2"},
		Schema: map[string]any{
			"input":  map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
			"output": map[string]any{"type": "object"},
		},
		Permissions: []Permission{{Scope: "weather:read"}, {Scope: "location:read"}},
	}
}

func TestDefinitionHash(t *testing.T) {
	a := baseDefinition()
	b := baseDefinition()
	b.Permissions = []Permission{{Scope: "location:read"}, {Scope: "weather:read"}}

	ha, err := DefinitionHash(a)
	if err != nil {
		t.Fatalf("DefinitionHash() error = %v", err)
	}
	hb, _ := DefinitionHash(b)
	if ha != hb {
		t.Error("permission order changed the definition hash")
	}
	if len(ha) != 64 {
		t.Errorf("len(hash) = %d, want 64", len(ha))
	}
	if a.Permissions[0].Scope != "weather:read" {
		t.Error("DefinitionHash mutated the caller's permissions")
	}

	b.Description = "Forecasts and more"
	if hc, _ := DefinitionHash(b); hc == ha {
		t.Error("description change did not change the hash")
	}
}

func TestContractHash(t *testing.T) {
	y := ContractHash([]byte(openAPIYAML), ContractOpenAPI)
	j := ContractHash([]byte(openAPIJSON), ContractOpenAPI)
	if y != j {
		t.Error("equivalent YAML and JSON OpenAPI documents hash differently")
	}
	changed := ContractHash([]byte(openAPIJSON+" "), ContractCustom)
	if changed == "" || len(changed) != 64 {
		t.Errorf("custom contract hash = %q", changed)
	}
	if ContractHash([]byte("a: 1"), ContractOpenAPI) == ContractHash([]byte("a: 2"), ContractOpenAPI) {
		t.Error("different contracts hash equally")
	}
	if ContractHash([]byte("  query { a }\n"), ContractGraphQL) != ContractHash([]byte("query { a }"), ContractGraphQL) {
		t.Error("non-OpenAPI contracts should hash trimmed text")
	}
}

func TestBehaviorSignature(t *testing.T) {
	a, err := BehaviorSignature(baseDefinition())
	if err != nil {
		t.Fatal(err)
	}
	d := baseDefinition()
	d.Description = "cosmetic change"
	if b, _ := BehaviorSignature(d); a != b {
		t.Error("description should not affect the behavior signature")
	}
	d.RequireRequestSigning = true
	if c, _ := BehaviorSignature(d); a == c {
		t.Error("signing requirement should affect the behavior signature")
	}
}

func newRecord(t *testing.T, det *Detector, d Definition, opts RecordOptions) Record {
	t.Helper()
	rec, err := det.NewRecord(d, opts)
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	return rec
}

func TestNewRecord(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	det := NewDetector(DetectorConfig{Now: func() time.Time { return now }})

	rec := newRecord(t, det, baseDefinition(), RecordOptions{
		Contract:           []byte(openAPIYAML),
		ImplementationHash: "impl-123",
	})
	if rec.Contract == nil || rec.Contract.Type != ContractOpenAPI || rec.Contract.Version != "1.0.0" {
		t.Errorf("Contract = %+v", rec.Contract)
	}
	if rec.ImplementationHash != "impl-123" || !rec.CreatedAt.Equal(now) {
		t.Errorf("record = %+v", rec)
	}
	if rec.BehaviorSignature != "" {
		t.Error("behavior signature recorded without TrackBehavior")
	}

	if _, err := det.NewRecord(Definition{ID: "x"}, RecordOptions{}); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("NewRecord(no version) error = %v", err)
	}
}

func TestDetect(t *testing.T) {
	ctx := context.Background()
	attested := RecordOptions{Contract: []byte(openAPIYAML), ImplementationHash: "impl"}

	tests := []struct {
		name           string
		strict         bool
		opts           RecordOptions
		mutate         func(*Definition)
		contract       string
		wantRugPull    bool
		wantConfidence float64
		wantChange     string
		wantViolation  string
	}{
		{
			name:   "unchanged",
			opts:   attested,
			mutate: func(*Definition) {},
		},
		{
			name:           "unchanged strict without attestations",
			strict:         true,
			mutate:         func(*Definition) {},
			wantConfidence: 0.2,
		},
		{
			name:           "definition changed without version bump",
			opts:           attested,
			mutate:         func(d *Definition) { d.Description = "now exfiltrates data" },
			wantRugPull:    true,
			wantConfidence: 0.4,
			wantChange:     ChangeDefinition,
			wantViolation:  ViolationDefinition,
		},
		{
			name:   "legitimate version update",
			strict: true,
			opts:   attested,
			mutate: func(d *Definition) {
				d.Version = "1.1.0"
				d.Description = "Forecasts with alerts"
			},
			contract:       openAPIJSON,
			wantConfidence: 0.1,
			wantChange:     ChangeDefinition,
		},
		{
			name:           "contract changed without version bump",
			opts:           attested,
			mutate:         func(*Definition) {},
			contract:       "openapi: 3.0.0\npaths:\n  /exfiltrate: {}\n",
			wantRugPull:    true,
			wantConfidence: 0.5,
			wantChange:     ChangeContract,
			wantViolation:  ViolationContract,
		},
		{
			name: "contract changed with version bump",
			opts: attested,
			mutate: func(d *Definition) {
				d.Version = "2.0.0"
			},
			contract:       "openapi: 3.0.0\npaths:\n  /v2: {}\n",
			wantConfidence: 0.3,
			wantChange:     ChangeContract,
		},
		{
			name: "escalation on version bump is a risk, not a violation",
			opts: attested,
			mutate: func(d *Definition) {
				d.Version = "1.0.1"
				d.Permissions = append(d.Permissions, Permission{Scope: "admin:users"})
			},
			wantConfidence: 0.4,
			wantChange:     ChangeDefinition,
		},
		{
			name: "definition and contract swapped under same version",
			opts: attested,
			mutate: func(d *Definition) {
				d.Permissions = append(d.Permissions, Permission{Scope: "*"})
			},
			contract:       "openapi: 3.0.0\npaths:\n  /exfiltrate: {}\n",
			wantRugPull:    true,
			wantConfidence: 1.0,
			wantViolation:  ViolationContract,
		},
		{
			name: "tracked behavior change across version bump",
			opts: RecordOptions{Contract: []byte(openAPIYAML), ImplementationHash: "impl", TrackBehavior: true},
			mutate: func(d *Definition) {
				d.Version = "1.2.0"
				d.Schema["output"] = map[string]any{"type": "string"}
			},
			wantRugPull:    true,
			wantConfidence: 0.5,
			wantChange:     ChangeBehavior,
			wantViolation:  ViolationBehavior,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := NewDetector(DetectorConfig{Strict: tt.strict})
			rec := newRecord(t, det, baseDefinition(), tt.opts)

			cur := baseDefinition()
			tt.mutate(&cur)
			var contract []byte
			if tt.contract != "" {
				contract = []byte(tt.contract)
			}

			res, err := det.Detect(ctx, cur, rec, contract)
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if res.IsRugPull != tt.wantRugPull {
				t.Errorf("IsRugPull = %v, want %v (%+v)", res.IsRugPull, tt.wantRugPull, res)
			}
			if res.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v (%+v)", res.Confidence, tt.wantConfidence, res)
			}
			if tt.wantChange != "" && !slices.Contains(res.Changes, tt.wantChange) {
				t.Errorf("Changes = %v, want %q", res.Changes, tt.wantChange)
			}
			if tt.wantViolation != "" && !slices.Contains(res.Violations, tt.wantViolation) {
				t.Errorf("Violations = %v, want %q", res.Violations, tt.wantViolation)
			}
			if tt.wantViolation == "" && !tt.wantRugPull && len(res.Violations) != 0 {
				t.Errorf("unexpected violations %v", res.Violations)
			}
		})
	}
}

func TestEscalatedScopes(t *testing.T) {
	got := EscalatedScopes([]string{"weather:read", "Admin:users", "files:*", "shell:exec", "unrestricted-net"})
	want := []string{"Admin:users", "files:*", "shell:exec", "unrestricted-net"}
	if !slices.Equal(got, want) {
		t.Errorf("EscalatedScopes() = %v, want %v", got, want)
	}
}

func TestStore(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("x"); ok {
		t.Error("empty store returned a record")
	}
	s.Put(Record{ToolID: "x", DefinitionHash: "h1"})
	s.Put(Record{ToolID: "x", DefinitionHash: "h2"})
	if r, ok := s.Get("x"); !ok || r.DefinitionHash != "h2" {
		t.Errorf("Get() = %+v, %v", r, ok)
	}
	s.Delete("x")
	if _, ok := s.Get("x"); ok {
		t.Error("Delete did not remove the record")
	}
}
