package integrity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/toolguard/observe"
)

// Detection messages.
const (
	ChangeDefinition = "Tool definition hash mismatch"
	ChangeContract   = "API contract hash mismatch"
	ChangeBehavior   = "Tool behavior signature changed"

	ViolationDefinition = "Definition changed without version increment"
	ViolationContract   = "Backend API contract modified"
	ViolationBehavior   = "Behavioral fingerprint mismatch"

	RiskEscalation = "Suspicious permission escalation detected"
	RiskNoContract = "No API contract attestation available"
	RiskNoImplHash = "No implementation hash available"
)

// Score contributions, in tenths of confidence.
const (
	pointsDefinitionSameVersion = 4
	pointsDefinitionNewVersion  = 1
	pointsContractSameVersion   = 5
	pointsContractNewVersion    = 2
	pointsEscalation            = 3
	pointsBehavior              = 4
	pointsStrictMissing         = 1
	rugPullThreshold            = 7
)

// DangerousScopePatterns mark scopes that grant privileged access.
var DangerousScopePatterns = []string{
	"admin:", "root:", "system:", "file:write", "network:unrestricted",
	"exec:", "shell:", "sudo:", "privilege:", "escalate:",
}

// BroadScopePatterns mark unusually broad scopes.
var BroadScopePatterns = []string{"*", "all:", "any:", "unrestricted"}

// Contract is an attested API contract.
type Contract struct {
	Type    ContractType `json:"type"`
	Version string       `json:"version"`
	Hash    string       `json:"hash"`
}

// Record is the integrity state captured when a tool is approved.
type Record struct {
	ToolID             string    `json:"tool_id"`
	DefinitionHash     string    `json:"definition_hash"`
	Contract           *Contract `json:"api_contract,omitempty"`
	ImplementationHash string    `json:"implementation_hash,omitempty"`
	BehaviorSignature  string    `json:"behavior_signature,omitempty"`
	ToolVersion        string    `json:"tool_version"`
	SigningKeyID       string    `json:"signing_key_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// RecordOptions selects the optional attestations of a Record.
type RecordOptions struct {
	// Contract is the tool's API contract document.
	Contract []byte

	// ContractType is the contract format.
	// Default: openapi
	ContractType ContractType

	// ImplementationHash is the declared hash of the backend implementation.
	ImplementationHash string

	// TrackBehavior records a behavior signature, so behavior changes are
	// flagged even across version bumps.
	TrackBehavior bool

	// SigningKeyID is the key that signed the definition, if any.
	SigningKeyID string
}

// Result is the outcome of comparing a definition against its record.
type Result struct {
	IsRugPull   bool     `json:"is_rug_pull"`
	Confidence  float64  `json:"confidence_score"`
	Changes     []string `json:"detected_changes,omitempty"`
	Violations  []string `json:"integrity_violations,omitempty"`
	RiskFactors []string `json:"risk_factors,omitempty"`
}

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	// Strict adds risk when a record lacks contract or implementation
	// attestation.
	Strict bool

	// Logger receives escalation warnings. Default: no-op.
	Logger observe.Logger

	// Now is the clock used for CreatedAt. Default: time.Now
	Now func() time.Time
}

// Detector creates integrity records and compares definitions against them.
type Detector struct {
	strict bool
	logger observe.Logger
	now    func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{strict: cfg.Strict, logger: cfg.Logger, now: cfg.Now}
}

// NewRecord fingerprints d.
func (det *Detector) NewRecord(d Definition, opts RecordOptions) (Record, error) {
	if err := d.Validate(); err != nil {
		return Record{}, err
	}
	defHash, err := DefinitionHash(d)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ToolID:             d.ID,
		DefinitionHash:     defHash,
		ImplementationHash: opts.ImplementationHash,
		ToolVersion:        d.Version,
		SigningKeyID:       opts.SigningKeyID,
		CreatedAt:          det.now().UTC(),
	}
	if len(opts.Contract) > 0 {
		typ := opts.ContractType
		if typ == "" {
			typ = ContractOpenAPI
		}
		rec.Contract = &Contract{Type: typ, Version: d.Version, Hash: ContractHash(opts.Contract, typ)}
	}
	if opts.TrackBehavior {
		sig, err := BehaviorSignature(d)
		if err != nil {
			return Record{}, err
		}
		rec.BehaviorSignature = sig
	}
	return rec, nil
}

// Detect compares the current definition (and optionally its current
// contract) with the stored record. Any integrity violation, or a
// confidence of at least 0.7, is a rug pull.
func (det *Detector) Detect(ctx context.Context, current Definition, stored Record, currentContract []byte) (Result, error) {
	var res Result
	points := 0
	versionChanged := stored.ToolVersion != "" && current.Version != stored.ToolVersion

	defHash, err := DefinitionHash(current)
	if err != nil {
		return Result{}, err
	}
	if defHash != stored.DefinitionHash {
		res.Changes = append(res.Changes, ChangeDefinition)
		if versionChanged {
			points += pointsDefinitionNewVersion
		} else {
			res.Violations = append(res.Violations, ViolationDefinition)
			points += pointsDefinitionSameVersion
		}
	}

	if stored.Contract != nil && len(currentContract) > 0 {
		if ContractHash(currentContract, stored.Contract.Type) != stored.Contract.Hash {
			res.Changes = append(res.Changes, ChangeContract)
			if versionChanged {
				points += pointsContractNewVersion
			} else {
				res.Violations = append(res.Violations, ViolationContract)
				points += pointsContractSameVersion
			}
		}
	}

	if scopes := EscalatedScopes(current.Scopes()); len(scopes) > 0 {
		det.logger.WithTool(current.ID).Warn(ctx, "permission escalation detected",
			observe.F("scopes", scopes))
		res.RiskFactors = append(res.RiskFactors, RiskEscalation)
		points += pointsEscalation
	}

	if stored.BehaviorSignature != "" {
		sig, err := BehaviorSignature(current)
		if err != nil {
			return Result{}, err
		}
		if sig != stored.BehaviorSignature {
			res.Changes = append(res.Changes, ChangeBehavior)
			res.Violations = append(res.Violations, ViolationBehavior)
			points += pointsBehavior
		}
	}

	if det.strict {
		if stored.Contract == nil {
			res.RiskFactors = append(res.RiskFactors, RiskNoContract)
			points += pointsStrictMissing
		}
		if stored.ImplementationHash == "" {
			res.RiskFactors = append(res.RiskFactors, RiskNoImplHash)
			points += pointsStrictMissing
		}
	}

	res.IsRugPull = points >= rugPullThreshold || len(res.Violations) > 0
	res.Confidence = float64(min(points, 10)) / 10
	return res, nil
}

// EscalatedScopes returns the scopes matching a dangerous or broad pattern.
func EscalatedScopes(scopes []string) []string {
	var out []string
	for _, scope := range scopes {
		lower := strings.ToLower(scope)
		if matchesAny(lower, DangerousScopePatterns) || matchesAny(lower, BroadScopePatterns) {
			out = append(out, scope)
		}
	}
	return out
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Store holds the approved record per tool.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Get returns the record for toolID.
func (s *Store) Get(toolID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[toolID]
	return r, ok
}

// Put stores rec, replacing any previous record for the tool.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	s.records[rec.ToolID] = rec
	s.mu.Unlock()
}

// Delete removes the record for toolID.
func (s *Store) Delete(toolID string) {
	s.mu.Lock()
	delete(s.records, toolID)
	s.mu.Unlock()
}
