package callchain

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/toolguard/audit"
	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/integrity"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/policy"
	"github.com/jonwraymond/toolguard/secerr"
)

// Outcomes recorded on exit.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// ConstraintFunc returns the call constraints declared by toolID.
type ConstraintFunc func(toolID string) (integrity.CallConstraints, bool)

// AuditorConfig configures an Auditor.
type AuditorConfig struct {
	// Policy supplies MaxCallDepth, EnableCallChainValidation and
	// AuditAllCalls.
	// Default: policy.Default()
	Policy *policy.SecurityPolicy

	// Constraints looks up per-tool callee constraints. Nil disables them.
	Constraints ConstraintFunc

	// Sink receives enter and exit records when the policy audits all
	// calls, and denied calls always.
	// Default: audit.Discard
	Sink audit.Sink

	// Events receives CALL_ENTER, CALL_EXIT and CALL_DENIED.
	// Default: discarded
	Events events.Emitter

	// Logger receives auditor logs. Default: no-op
	Logger observe.Logger

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// Auditor enforces call-chain policy and records every transition.
type Auditor struct {
	policy      policy.SecurityPolicy
	constraints ConstraintFunc
	sink        audit.Sink
	events      events.Emitter
	logger      observe.Logger
	now         func() time.Time
}

// NewAuditor creates an Auditor. The policy must be valid.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	pol := policy.Default()
	if cfg.Policy != nil {
		pol = *cfg.Policy
	}
	if err := pol.Validate(); err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", "callchain.new_auditor", err.Error(), err)
	}
	a := &Auditor{
		policy:      pol,
		constraints: cfg.Constraints,
		sink:        cfg.Sink,
		events:      cfg.Events,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if a.sink == nil {
		a.sink = audit.Discard{}
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	if a.logger == nil {
		a.logger = observe.NopLogger()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Enter pushes toolID onto chain. It fails with CallDepthExceeded when the
// new depth would exceed MaxCallDepth or the tool's own max depth, and, when
// chain validation is enabled, with PolicyViolation for cycles and callees
// the caller does not allow. The returned chain is independent of chain.
func (a *Auditor) Enter(ctx context.Context, toolID string, chain Chain) (Chain, error) {
	if err := a.check(toolID, chain); err != nil {
		kind := string(secerr.KindOf(err))
		a.write(ctx, audit.Record{
			ToolID:    toolID,
			Caller:    chain.Caller(),
			Phase:     audit.PhaseEnter,
			Depth:     chain.Depth() + 1,
			Outcome:   OutcomeDenied,
			ErrorKind: kind,
		})
		a.events.Emit(events.New(events.CallDenied, toolID, map[string]any{
			"caller":     chain.Caller(),
			"depth":      chain.Depth() + 1,
			"path":       chain.Path(),
			"error_kind": kind,
		}))
		a.logger.WithTool(toolID).Warn(ctx, "call rejected",
			observe.F("chain", chain.String()), observe.F("error", err))
		return chain, err
	}

	frame := Frame{ToolID: toolID, InvocationID: uuid.NewString(), EnteredAt: a.now().UTC()}
	next := chain.push(frame)

	a.record(ctx, audit.Record{
		InvocationID: frame.InvocationID,
		ToolID:       toolID,
		Caller:       chain.Caller(),
		Phase:        audit.PhaseEnter,
		Depth:        next.Depth(),
		Timestamp:    frame.EnteredAt,
	})
	a.events.Emit(events.New(events.CallEnter, toolID, map[string]any{
		"invocation_id": frame.InvocationID,
		"caller":        chain.Caller(),
		"depth":         next.Depth(),
	}))
	return next, nil
}

// Exit pops the innermost frame of chain and records outcome: nil for
// success, otherwise the invocation's error.
func (a *Auditor) Exit(ctx context.Context, chain Chain, outcome error) Chain {
	frame, ok := chain.Current()
	if !ok {
		return chain
	}
	parent := chain.pop()

	rec := audit.Record{
		InvocationID: frame.InvocationID,
		ToolID:       frame.ToolID,
		Caller:       parent.Caller(),
		Phase:        audit.PhaseExit,
		Depth:        chain.Depth(),
		Outcome:      OutcomeSuccess,
	}
	if outcome != nil {
		rec.Outcome = OutcomeFailure
		rec.ErrorKind = string(secerr.KindOf(outcome))
	}
	a.record(ctx, rec)

	data := map[string]any{
		"invocation_id": frame.InvocationID,
		"depth":         chain.Depth(),
		"outcome":       rec.Outcome,
		"duration_ms":   a.now().Sub(frame.EnteredAt).Milliseconds(),
	}
	if rec.ErrorKind != "" {
		data["error_kind"] = rec.ErrorKind
	}
	a.events.Emit(events.New(events.CallExit, frame.ToolID, data))
	return parent
}

func (a *Auditor) check(toolID string, chain Chain) error {
	depth := chain.Depth() + 1
	if depth > a.policy.MaxCallDepth {
		return secerr.New(secerr.KindCallDepthExceeded, toolID, "callchain.enter",
			fmt.Sprintf("call depth %d exceeds maximum %d", depth, a.policy.MaxCallDepth))
	}

	var own integrity.CallConstraints
	if a.constraints != nil {
		own, _ = a.constraints(toolID)
	}
	if own.MaxDepth > 0 && depth > own.MaxDepth {
		return secerr.New(secerr.KindCallDepthExceeded, toolID, "callchain.enter",
			fmt.Sprintf("call depth %d exceeds the tool's maximum %d", depth, own.MaxDepth))
	}

	if !a.policy.EnableCallChainValidation {
		return nil
	}
	if chain.Contains(toolID) {
		return secerr.New(secerr.KindPolicyViolation, toolID, "callchain.enter",
			"call cycle: "+chain.String()+" -> "+toolID)
	}

	caller := chain.Caller()
	if caller == "" || a.constraints == nil {
		return nil
	}
	cc, ok := a.constraints(caller)
	if !ok {
		return nil
	}
	if slices.Contains(cc.BlockedCallees, toolID) {
		return secerr.New(secerr.KindPolicyViolation, toolID, "callchain.enter",
			fmt.Sprintf("%s may not call %s", caller, toolID))
	}
	if len(cc.AllowedCallees) > 0 && !slices.Contains(cc.AllowedCallees, toolID) {
		return secerr.New(secerr.KindPolicyViolation, toolID, "callchain.enter",
			fmt.Sprintf("%s is not an allowed callee of %s", toolID, caller))
	}
	return nil
}

// record appends rec when the policy audits all calls.
func (a *Auditor) record(ctx context.Context, rec audit.Record) {
	if a.policy.AuditAllCalls {
		a.write(ctx, rec)
	}
}

// write writes rec to the sink regardless of AuditAllCalls. Denials always
// go through here.
func (a *Auditor) write(ctx context.Context, rec audit.Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now().UTC()
	}
	if err := a.sink.Append(ctx, rec); err != nil {
		a.logger.Error(ctx, "audit append failed",
			observe.F("tool_id", rec.ToolID), observe.F("error", err))
	}
}
