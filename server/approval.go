package server

import (
	"context"
	"time"

	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/integrity"
	"github.com/jonwraymond/toolguard/secerr"
)

// Approval is the approval state of a registered tool.
type Approval struct {
	ToolID  string `json:"tool_id"`
	Version string `json:"version"`

	// Generation counts registrations of the tool, reapprovals included.
	Generation uint64 `json:"generation"`

	// DefinitionHash and ApprovedAt are set for tools registered with a
	// Definition.
	DefinitionHash string    `json:"definition_hash,omitempty"`
	ApprovedAt     time.Time `json:"approved_at,omitzero"`
}

// Approval returns the approval state of toolID.
func (s *SecureServer) Approval(toolID string) (Approval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.handlers[toolID]; !ok {
		return Approval{}, false
	}
	tool, ok := s.registry.Get(toolID)
	if !ok {
		return Approval{}, false
	}
	a := Approval{
		ToolID:     toolID,
		Version:    tool.Version,
		Generation: s.registry.Generation(toolID),
	}
	if rec, ok := s.records.Get(toolID); ok {
		a.DefinitionHash = rec.DefinitionHash
		a.ApprovedAt = rec.CreatedAt
	}
	return a, true
}

// IsToolApproved reports whether toolID is registered and invocable.
func (s *SecureServer) IsToolApproved(toolID string) bool {
	_, ok := s.Approval(toolID)
	return ok
}

// CheckToolChange compares tool's definition with the approved record
// without registering anything. A tool with no Definition or no approved
// record reports no change.
func (s *SecureServer) CheckToolChange(ctx context.Context, tool Tool) (integrity.Result, error) {
	const op = "server.check_tool_change"
	if tool.Definition == nil {
		return integrity.Result{}, nil
	}
	def := *tool.Definition
	if def.ID == "" {
		def.ID = tool.ID
	}
	stored, ok := s.records.Get(def.ID)
	if !ok {
		return integrity.Result{}, nil
	}
	res, err := s.detector.Detect(ctx, def, stored, tool.Contract)
	if err != nil {
		return integrity.Result{}, secerr.Wrap(secerr.KindConfiguration, def.ID, op, "integrity check failed", err)
	}
	return res, nil
}

// ReapproveTool registers tool and records its definition as approved even
// when RegisterTool would refuse the change. It is the operator's way to
// accept a changed tool after review.
func (s *SecureServer) ReapproveTool(ctx context.Context, tool Tool) error {
	return s.register(ctx, tool, true)
}

// RemoveTool unregisters toolID and drops its approval, so a later
// RegisterTool starts from a fresh record. Cached verifications of the tool
// are invalidated. Invocations already running are not interrupted.
func (s *SecureServer) RemoveTool(ctx context.Context, toolID string) bool {
	s.mu.Lock()
	_, ok := s.handlers[toolID]
	delete(s.handlers, toolID)
	removed := s.registry.Remove(toolID)
	s.records.Delete(toolID)
	s.mu.Unlock()

	if !ok && !removed {
		return false
	}
	s.cfg.Logger.WithTool(toolID).Info(ctx, "tool removed")
	s.cfg.Bus.Emit(events.New(events.ToolRemoved, toolID, map[string]any{
		"approval_revoked": true,
	}))
	return true
}
