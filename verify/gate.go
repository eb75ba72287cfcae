package verify

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/toolguard/cache"
	"github.com/jonwraymond/toolguard/canonical"
	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/policy"
	"github.com/jonwraymond/toolguard/secerr"
)

// GateConfig configures a Gate.
type GateConfig struct {
	// CacheTTL bounds how long a successful verification is reused. The
	// token's expiry bounds it further.
	// Default: 5m
	CacheTTL time.Duration

	// Timeout bounds a single verification.
	// Default: 5s
	Timeout time.Duration

	// Logger receives verification logs. Default: no-op
	Logger observe.Logger

	// Events receives VERIFICATION_FAILURE. Default: discarded
	Events events.Emitter

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

func (c *GateConfig) applyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Result is a successful verification.
type Result struct {
	ToolID            string
	ToolFingerprint   string
	PolicyFingerprint string
	Level             policy.SecurityLevel
	VerifiedAt        time.Time

	// ValidUntil is when the result stops being reusable.
	ValidUntil time.Time

	// Cached reports whether the result was served from the cache.
	Cached bool
}

// Gate verifies tools against a policy and a token.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: failures are *secerr.Error values and are never cached.
// - Token expiry is checked on every call, cached or not.
type Gate struct {
	cfg     GateConfig
	results *cache.MemoryCache[Result]
	keyer   cache.Keyer
	flights singleflight.Group
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) *Gate {
	cfg.applyDefaults()
	return &Gate{
		cfg: cfg,
		results: cache.NewMemoryCache[Result](
			cache.Policy{DefaultTTL: cfg.CacheTTL, MaxTTL: cfg.CacheTTL},
			cache.WithClock(cfg.Now),
		),
		keyer: cache.NewDefaultKeyer(),
	}
}

// Attach invalidates cached results for a tool whenever it is
// re-registered or removed from r.
func (g *Gate) Attach(r *Registry) {
	r.OnChange(func(toolID string) { g.InvalidateTool(toolID) })
}

// InvalidateTool drops every cached result for toolID.
func (g *Gate) InvalidateTool(toolID string) int {
	return g.results.DeletePrefix(cache.Prefix("verify", toolID))
}

// Verify checks that tok may invoke tool under pol. The checks run in
// order and stop at the first failure: token expiry, scopes, implementation
// signature (when pol requires it), request-signing opt-in (HIGH only).
func (g *Gate) Verify(ctx context.Context, tool *ToolIdentity, pol policy.SecurityPolicy, tok *oauth.Token) (*Result, error) {
	const op = "verify.gate"
	if tool == nil {
		return nil, secerr.New(secerr.KindToolNotFound, "", op, "no tool to verify")
	}
	if err := ctx.Err(); err != nil {
		return nil, g.contextError(ctx, tool.ID)
	}
	now := g.cfg.Now()
	if tok == nil || tok.AccessToken == "" {
		return nil, g.fail(ctx, tool.ID, secerr.New(secerr.KindAuth, tool.ID, op, "no token presented"))
	}
	if tok.Expired(now, 0) {
		return nil, g.fail(ctx, tool.ID, secerr.New(secerr.KindAuth, tool.ID, op, "token expired"))
	}

	toolFP, err := tool.Fingerprint()
	if err != nil {
		return nil, secerr.Wrap(secerr.KindSignature, tool.ID, op, "tool key is malformed", err)
	}
	polFP := pol.Fingerprint()
	key, err := g.key(tool.ID, toolFP, polFP, tok)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindInternal, tool.ID, op, "cache key", err)
	}

	if res, ok := g.results.Get(key); ok && now.Before(res.ValidUntil) {
		res.Cached = true
		return &res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ch := g.flights.DoChan(key, func() (any, error) {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer fcancel()
		if err := g.check(fctx, tool, pol, tok); err != nil {
			return nil, err
		}

		verifiedAt := g.cfg.Now()
		res := Result{
			ToolID:            tool.ID,
			ToolFingerprint:   toolFP,
			PolicyFingerprint: polFP,
			Level:             pol.Level,
			VerifiedAt:        verifiedAt,
			ValidUntil:        minTime(verifiedAt.Add(g.cfg.CacheTTL), tok.ExpiresAt),
		}
		if ttl := res.ValidUntil.Sub(verifiedAt); ttl > 0 {
			if err := g.results.Set(key, res, ttl); err != nil {
				g.cfg.Logger.Warn(fctx, "verification cache write failed",
					observe.F("tool_id", tool.ID), observe.F("error", err))
			}
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, g.contextError(ctx, tool.ID)
	case r := <-ch:
		if r.Err != nil {
			return nil, g.fail(ctx, tool.ID, r.Err)
		}
		res := r.Val.(Result)
		return &res, nil
	}
}

func (g *Gate) check(ctx context.Context, tool *ToolIdentity, pol policy.SecurityPolicy, tok *oauth.Token) error {
	const op = "verify.gate"

	if missing := tok.MissingScopes(tool.RequiredScopes); len(missing) > 0 {
		return secerr.New(secerr.KindInsufficientScope, tool.ID, op,
			"missing scopes: "+strings.Join(missing, " "))
	}

	if pol.RequireToolSignatures {
		ok, err := tool.verifyImplementation()
		if err != nil {
			return secerr.Wrap(secerr.KindSignature, tool.ID, op, "implementation signature could not be checked", err)
		}
		if !ok {
			return secerr.New(secerr.KindSignatureMismatch, tool.ID, op,
				"signature does not match the declared implementation hash")
		}
	}

	if pol.Level == policy.High && !tool.RequireRequestSigning {
		return secerr.New(secerr.KindPolicyViolation, tool.ID, op,
			"HIGH security level requires request signing")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (g *Gate) fail(ctx context.Context, toolID string, err error) error {
	err = secerr.WithTool(err, toolID, secerr.KindInternal, "verify.gate")
	kind := secerr.KindOf(err)
	g.cfg.Logger.WithTool(toolID).Warn(ctx, "tool verification failed",
		observe.F("error_kind", string(kind)), observe.F("error", err))
	g.cfg.Events.Emit(events.New(events.VerificationFailure, toolID, map[string]any{
		"error_kind": string(kind),
		"message":    secerr.Public(err).Message,
	}))
	return err
}

func (g *Gate) contextError(ctx context.Context, toolID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return secerr.Wrap(secerr.KindTimeout, toolID, "verify.gate", "verification timed out", ctx.Err())
	}
	return secerr.Wrap(secerr.KindInternal, toolID, "verify.gate", "verification canceled", ctx.Err())
}

func (g *Gate) key(toolID, toolFP, polFP string, tok *oauth.Token) (string, error) {
	tokenHash, err := canonical.Hash(map[string]any{
		"access_token": canonical.HashBytes([]byte(tok.AccessToken)),
		"scopes":       oauth.NormalizeScopes(tok.Scopes),
		"expires_at":   tok.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	return g.keyer.Key(strings.TrimSuffix(cache.Prefix("verify", toolID), ":"), []string{toolFP, polFP, tokenHash})
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
