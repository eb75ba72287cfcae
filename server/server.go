package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/toolguard/audit"
	"github.com/jonwraymond/toolguard/callchain"
	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/integrity"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/policy"
	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/signing"
	"github.com/jonwraymond/toolguard/verify"
)

// TokenSource acquires and refreshes tool tokens.
type TokenSource interface {
	GetToken(ctx context.Context, toolID string, scopes []string) (*oauth.Token, error)
	Refresh(ctx context.Context, tok *oauth.Token) (*oauth.Token, error)
}

// Ensure Broker implements TokenSource
var _ TokenSource = (*oauth.Broker)(nil)

// Config configures a SecureServer.
type Config struct {
	// Policy is the server-wide security policy.
	// Default: policy.Default()
	Policy *policy.SecurityPolicy

	// Tokens acquires tokens for invocations that do not carry one. Nil
	// requires every request to carry a token.
	Tokens TokenSource

	// Signer signs invocations of tools that require request signing.
	Signer *signing.Signer

	// Bus receives security events. The server closes it on Shutdown.
	// Default: a new bus
	Bus *events.Bus

	// Sink receives call-chain audit records. Default: audit.Discard
	Sink audit.Sink

	// VerifyCacheTTL bounds reuse of successful verifications.
	// Default: 5m
	VerifyCacheTTL time.Duration

	// StrictIntegrity counts missing contract and implementation
	// attestations as rug-pull risk.
	StrictIntegrity bool

	// TrackBehavior flags behavior changes of registered definitions even
	// across version bumps.
	TrackBehavior bool

	// InvocationTimeout bounds each invocation, nested calls included.
	// Default: 30s
	InvocationTimeout time.Duration

	// Logger receives server logs. Default: no-op
	Logger observe.Logger

	// Middleware wraps each invocation with tracing and metrics.
	// Default: logging only
	Middleware *observe.Middleware

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Policy == nil {
		p := policy.Default()
		c.Policy = &p
	}
	if c.Bus == nil {
		c.Bus = events.NewBus(events.Config{})
	}
	if c.Sink == nil {
		c.Sink = audit.Discard{}
	}
	if c.InvocationTimeout == 0 {
		c.InvocationTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	if c.Middleware == nil {
		c.Middleware = observe.NewMiddleware(nil, nil, c.Logger)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Request is one invocation request.
type Request struct {
	ToolID string
	Params map[string]any

	// Token is the caller's token. When nil the server's TokenSource
	// acquires one.
	Token *oauth.Token
}

// Response describes a finished invocation. When an invocation fails after
// entering the call chain, the response is returned alongside the error and
// records the state it failed in.
type Response struct {
	InvocationID string        `json:"invocation_id"`
	ToolID       string        `json:"tool_id"`
	State        State         `json:"state"`
	Depth        int           `json:"depth"`
	Result       any           `json:"result,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	History      []Transition  `json:"history,omitempty"`
}

// SecureServer registers tools and runs secured invocations.
//
// Contract:
// - Concurrency: safe for concurrent use; each invocation owns its chain.
// - Errors: invocation failures are *secerr.Error values carrying the
// failing tool.
// - Lifecycle: Shutdown stops new invocations, waits for running ones and
// closes the event bus.
type SecureServer struct {
	cfg      Config
	policy   policy.SecurityPolicy
	registry *verify.Registry
	gate     *verify.Gate
	auditor  *callchain.Auditor
	detector *integrity.Detector
	records  *integrity.Store

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	closed   bool
	inflight sync.WaitGroup
}

// New creates a SecureServer.
func New(cfg Config) (*SecureServer, error) {
	cfg.applyDefaults()
	if err := cfg.Policy.Validate(); err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, "", "server.new", err.Error(), err)
	}

	registry := verify.NewRegistry()
	gate := verify.NewGate(verify.GateConfig{
		CacheTTL: cfg.VerifyCacheTTL,
		Logger:   cfg.Logger,
		Events:   cfg.Bus,
		Now:      cfg.Now,
	})
	gate.Attach(registry)

	auditor, err := callchain.NewAuditor(callchain.AuditorConfig{
		Policy:      cfg.Policy,
		Constraints: registry.CallConstraints,
		Sink:        cfg.Sink,
		Events:      cfg.Bus,
		Logger:      cfg.Logger,
		Now:         cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	return &SecureServer{
		cfg:      cfg,
		policy:   *cfg.Policy,
		registry: registry,
		gate:     gate,
		auditor:  auditor,
		detector: integrity.NewDetector(integrity.DetectorConfig{Strict: cfg.StrictIntegrity, Logger: cfg.Logger, Now: cfg.Now}),
		records:  integrity.NewStore(),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Events returns the server's event bus.
func (s *SecureServer) Events() *events.Bus { return s.cfg.Bus }

// Policy returns the server's policy.
func (s *SecureServer) Policy() policy.SecurityPolicy { return s.policy }

// Registry returns the tool registry.
func (s *SecureServer) Registry() *verify.Registry { return s.registry }

// RegisterTool registers or replaces a tool. Replacing a tool that carries
// a Definition is refused when the change looks like a rug pull; use
// ReapproveTool to accept such a change.
func (s *SecureServer) RegisterTool(ctx context.Context, tool Tool) error {
	return s.register(ctx, tool, false)
}

func (s *SecureServer) register(ctx context.Context, tool Tool, reapprove bool) error {
	op := "server.register_tool"
	if reapprove {
		op = "server.reapprove_tool"
	}
	if tool.Handler == nil {
		return secerr.New(secerr.KindConfiguration, tool.ID, op, "tool has no handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return secerr.New(secerr.KindInternal, tool.ID, op, "server is shut down")
	}

	id := tool.ToolIdentity.Clone()
	var rec *integrity.Record
	if tool.Definition != nil {
		def := *tool.Definition
		if def.ID == "" {
			def.ID = id.ID
		}
		if def.ID != id.ID {
			return secerr.New(secerr.KindConfiguration, id.ID, op,
				fmt.Sprintf("definition id %q does not match tool id", def.ID))
		}
		mergeDefinition(id, def)

		r, err := s.checkIntegrity(ctx, def, id, tool, reapprove)
		if err != nil {
			return err
		}
		rec = &r
	}
	if err := id.Validate(); err != nil {
		return secerr.Wrap(secerr.KindConfiguration, id.ID, op, err.Error(), err)
	}

	gen, err := s.registry.Register(*id)
	if err != nil {
		return secerr.Wrap(secerr.KindConfiguration, id.ID, op, err.Error(), err)
	}
	if rec != nil {
		s.records.Put(*rec)
	}
	s.handlers[id.ID] = tool.Handler

	s.cfg.Logger.WithTool(id.ID).Info(ctx, "tool registered",
		observe.F("version", id.Version), observe.F("generation", gen),
		observe.F("reapproved", reapprove))
	s.cfg.Bus.Emit(events.New(events.ToolRegistered, id.ID, map[string]any{
		"version":    id.Version,
		"generation": gen,
		"reapproved": reapprove,
	}))
	return nil
}

// mergeDefinition fills identity fields the definition declares. The
// definition's version always wins.
func mergeDefinition(id *verify.ToolIdentity, def integrity.Definition) {
	if def.Version != "" {
		id.Version = def.Version
	}
	if len(id.RequiredScopes) == 0 {
		id.RequiredScopes = def.Scopes()
	}
	if def.RequireRequestSigning {
		id.RequireRequestSigning = true
	}
	cc := id.CallConstraints
	if def.CallConstraints != nil && cc.MaxDepth == 0 && len(cc.AllowedCallees) == 0 && len(cc.BlockedCallees) == 0 {
		id.CallConstraints = *def.CallConstraints
	}
}

// checkIntegrity compares def with the approved record and returns the
// record to store. A reapproval logs what changed instead of refusing it.
func (s *SecureServer) checkIntegrity(ctx context.Context, def integrity.Definition, id *verify.ToolIdentity, tool Tool, reapprove bool) (integrity.Record, error) {
	const op = "server.register_tool"
	if stored, ok := s.records.Get(def.ID); ok {
		res, err := s.detector.Detect(ctx, def, stored, tool.Contract)
		if err != nil {
			return integrity.Record{}, secerr.Wrap(secerr.KindConfiguration, def.ID, op, "integrity check failed", err)
		}
		if reapprove {
			s.cfg.Logger.WithTool(def.ID).Warn(ctx, "tool re-approved",
				observe.F("previous_version", stored.ToolVersion),
				observe.F("rug_pull", res.IsRugPull),
				observe.F("changes", res.Changes))
		} else if res.IsRugPull {
			s.cfg.Logger.WithTool(def.ID).Warn(ctx, "re-registration refused",
				observe.F("confidence", res.Confidence),
				observe.F("violations", res.Violations),
				observe.F("changes", res.Changes))
			s.cfg.Bus.Emit(events.New(events.VerificationFailure, def.ID, map[string]any{
				"error_kind": string(secerr.KindPolicyViolation),
				"rug_pull":   true,
				"confidence": res.Confidence,
				"changes":    res.Changes,
			}))
			reasons := res.Violations
			if len(reasons) == 0 {
				reasons = res.RiskFactors
			}
			return integrity.Record{}, secerr.New(secerr.KindPolicyViolation, def.ID, op,
				"tool changed after approval: "+strings.Join(reasons, "; "))
		}
	}

	rec, err := s.detector.NewRecord(def, integrity.RecordOptions{
		Contract:           tool.Contract,
		ContractType:       tool.ContractType,
		ImplementationHash: id.ImplementationHash,
		TrackBehavior:      s.cfg.TrackBehavior,
	})
	if err != nil {
		return integrity.Record{}, secerr.Wrap(secerr.KindConfiguration, def.ID, op, err.Error(), err)
	}
	return rec, nil
}

// Tools returns the registered tool identities sorted by id.
func (s *SecureServer) Tools() []verify.ToolIdentity {
	list := s.registry.List()
	out := make([]verify.ToolIdentity, len(list))
	for i, t := range list {
		out[i] = *t
	}
	return out
}

// Invoke runs one secured invocation. An invocation made from inside a
// handler's context extends that handler's call chain.
func (s *SecureServer) Invoke(ctx context.Context, req Request) (*Response, error) {
	const op = "server.invoke"
	if err := s.begin(); err != nil {
		return nil, secerr.Wrap(secerr.KindInternal, req.ToolID, op, "server is shut down", err)
	}
	defer s.inflight.Done()

	tool, handler, ok := s.lookup(req.ToolID)
	if !ok {
		return nil, secerr.New(secerr.KindToolNotFound, req.ToolID, op, "tool is not registered")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvocationTimeout)
	defer cancel()

	parent := callchain.FromContext(ctx)
	chain, err := s.auditor.Enter(ctx, req.ToolID, parent)
	if err != nil {
		return nil, err
	}
	frame, _ := chain.Current()
	inv := newInvocation(frame.InvocationID, req.ToolID, s.cfg.Now)
	start := s.cfg.Now()

	meta := observe.InvocationMeta{
		ToolID:       tool.ID,
		Version:      tool.Version,
		InvocationID: inv.ID,
		Caller:       parent.Caller(),
		Depth:        chain.Depth(),
	}
	var result any
	err = s.cfg.Middleware.Wrap(func(ctx context.Context, _ observe.InvocationMeta) error {
		var err error
		result, err = s.run(ctx, inv, tool, handler, chain, req)
		return err
	})(ctx, meta)

	s.auditor.Exit(context.WithoutCancel(ctx), chain, err)

	resp := &Response{
		InvocationID: inv.ID,
		ToolID:       tool.ID,
		State:        inv.State(),
		Depth:        chain.Depth(),
		Duration:     s.cfg.Now().Sub(start),
		History:      inv.History(),
	}
	if err != nil {
		return resp, err
	}
	resp.Result = result
	return resp, nil
}

// run drives inv through the state machine. Every error it returns has
// already failed inv.
func (s *SecureServer) run(ctx context.Context, inv *Invocation, tool *verify.ToolIdentity, handler HandlerFunc, chain callchain.Chain, req Request) (any, error) {
	fail := func(err error) error {
		err = secerr.WithTool(err, tool.ID, secerr.KindInternal, "server.invoke")
		_ = inv.Fail(err)
		return err
	}

	tok, brokered, err := s.token(ctx, tool, req)
	if err != nil {
		return nil, fail(err)
	}
	if err := inv.Advance(StateTokenAcquired); err != nil {
		return nil, fail(err)
	}

	_, err = s.gate.Verify(ctx, tool, s.policy, tok)
	if err != nil && brokered && errors.Is(err, secerr.ErrAuth) {
		// The cached token expired between acquisition and use.
		if tok, err = s.cfg.Tokens.Refresh(ctx, tok); err == nil {
			_, err = s.gate.Verify(ctx, tool, s.policy, tok)
		}
	}
	if err != nil {
		return nil, fail(err)
	}
	if err := inv.Advance(StateVerified); err != nil {
		return nil, fail(err)
	}

	hctx := callchain.WithChain(ctx, chain)
	hctx = context.WithValue(hctx, tokenKey{}, tok)
	if tool.RequireRequestSigning {
		sr, err := s.sign(ctx, inv, tool, req.Params)
		if err != nil {
			return nil, fail(err)
		}
		if err := inv.Advance(StateSigned); err != nil {
			return nil, fail(err)
		}
		hctx = context.WithValue(hctx, signatureKey{}, sr)
	}

	if err := inv.Advance(StateExecuting); err != nil {
		return nil, fail(err)
	}
	out, err := execute(hctx, handler, req.Params)
	if err != nil {
		return nil, fail(err)
	}
	if err := inv.Advance(StateCompleted); err != nil {
		return nil, fail(err)
	}
	return out, nil
}

func (s *SecureServer) token(ctx context.Context, tool *verify.ToolIdentity, req Request) (*oauth.Token, bool, error) {
	if req.Token != nil {
		return req.Token, false, nil
	}
	if s.cfg.Tokens == nil {
		return nil, false, secerr.New(secerr.KindAuth, tool.ID, "server.invoke", "no token presented")
	}
	tok, err := s.cfg.Tokens.GetToken(ctx, tool.ID, tool.RequiredScopes)
	if err != nil {
		return nil, false, err
	}
	return tok, true, nil
}

func (s *SecureServer) sign(ctx context.Context, inv *Invocation, tool *verify.ToolIdentity, params map[string]any) (*signing.SignedRequest, error) {
	const op = "server.sign"
	if s.cfg.Signer == nil {
		return nil, secerr.New(secerr.KindConfiguration, tool.ID, op,
			"tool requires request signing but no signer is configured")
	}
	payload, err := signing.InvocationPayload(tool.ID, inv.ID, params, s.cfg.Now())
	if err != nil {
		return nil, secerr.Wrap(secerr.KindSignature, tool.ID, op, "invocation payload", err)
	}
	sr, err := s.cfg.Signer.Sign(ctx, payload)
	if err != nil {
		s.cfg.Bus.Emit(events.New(events.SignatureFailure, tool.ID, map[string]any{
			"invocation_id": inv.ID,
			"key_id":        s.cfg.Signer.KeyID(),
			"direction":     "outbound",
		}))
		return nil, secerr.Wrap(secerr.KindSignature, tool.ID, op, "signing failed", err)
	}
	return sr, nil
}

type handlerResult struct {
	out any
	err error
}

// execute runs h and returns when it finishes or ctx ends. A handler that
// ignores ctx keeps running in the background after a timeout.
func execute(ctx context.Context, h HandlerFunc, params map[string]any) (any, error) {
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("server: handler panic: %v", r)}
			}
		}()
		out, err := h(ctx, params)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SecureServer) begin() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errServerClosed
	}
	s.inflight.Add(1)
	return nil
}

var errServerClosed = errors.New("server: closed")

func (s *SecureServer) lookup(toolID string) (*verify.ToolIdentity, HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[toolID]
	if !ok {
		return nil, nil, false
	}
	tool, ok := s.registry.Get(toolID)
	return tool, h, ok
}

// Shutdown stops accepting invocations, waits for running ones and closes
// the event bus, or returns when ctx ends.
func (s *SecureServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.cfg.Bus.Close(ctx)
}
