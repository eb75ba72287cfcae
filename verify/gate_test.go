package verify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/toolguard/cache"
	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/policy"
	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/signing"
)

const implHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func token(c *clock, scopes ...string) *oauth.Token {
	return &oauth.Token{
		AccessToken: "at-123",
		TokenType:   "Bearer",
		Scopes:      scopes,
		ExpiresAt:   c.Now().Add(time.Hour),
		ToolID:      "calc",
	}
}

func hexTool() *ToolIdentity {
	return &ToolIdentity{
		ID:                 "calc",
		Version:            "1.0.0",
		RequiredScopes:     []string{"calc:read", "calc:execute"},
		ImplementationHash: implHash,
		Signature:          implHash,
	}
}

func signedTool(t *testing.T) *ToolIdentity {
	t.Helper()
	key, err := signing.GenerateKey(signing.ES256)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sig, err := SignImplementation("calc", implHash, key, signing.ES256)
	if err != nil {
		t.Fatalf("SignImplementation() error = %v", err)
	}
	tool := hexTool()
	tool.PublicKey = key.Public()
	tool.Signature = sig
	return tool
}

func TestGate_ScopeSubsetFailsInsufficientScope(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})

	_, err := g.Verify(context.Background(), hexTool(), policy.Default(), token(c, "calc:read"))
	if !errors.Is(err, secerr.ErrInsufficientScope) {
		t.Fatalf("Verify() error = %v, want InsufficientScope", err)
	}
	if !strings.Contains(err.Error(), "calc:execute") {
		t.Errorf("error %q should name the missing scope", err)
	}
	if secerr.ToolIDOf(err) != "calc" {
		t.Errorf("ToolIDOf() = %q", secerr.ToolIDOf(err))
	}
}

func TestGate_HashMismatchWithValidToken(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	tok := token(c, "calc:read", "calc:execute")

	tests := []struct {
		name string
		tool func() *ToolIdentity
	}{
		{"digest", func() *ToolIdentity {
			tool := hexTool()
			tool.ImplementationHash = strings.Repeat("0", 64)
			return tool
		}},
		{"signed", func() *ToolIdentity {
			tool := signedTool(t)
			tool.ImplementationHash = strings.Repeat("0", 64)
			return tool
		}},
		{"missing signature", func() *ToolIdentity {
			tool := hexTool()
			tool.Signature = ""
			return tool
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Verify(context.Background(), tt.tool(), policy.Default(), tok)
			if !errors.Is(err, secerr.ErrSignatureMismatch) {
				t.Fatalf("Verify() error = %v, want SignatureMismatch", err)
			}
		})
	}
}

func TestGate_MalformedSignatureIsSignatureError(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	tool := signedTool(t)
	tool.Signature = "not base64!"

	_, err := g.Verify(context.Background(), tool, policy.Default(), token(c, "calc:read", "calc:execute"))
	if !errors.Is(err, secerr.ErrSignature) {
		t.Fatalf("Verify() error = %v, want SignatureError", err)
	}
}

func TestGate_SignaturesNotRequired(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	tool := hexTool()
	tool.Signature = "stale"

	pol := policy.Default()
	pol.RequireToolSignatures = false
	if _, err := g.Verify(context.Background(), tool, pol, token(c, "calc:read", "calc:execute")); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestGate_HighLevelRequiresRequestSigning(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	tok := token(c, "calc:read", "calc:execute")
	pol := policy.Default()
	pol.Level = policy.High

	_, err := g.Verify(context.Background(), signedTool(t), pol, tok)
	if !errors.Is(err, secerr.ErrPolicyViolation) {
		t.Fatalf("Verify() error = %v, want PolicyViolation", err)
	}

	tool := signedTool(t)
	tool.RequireRequestSigning = true
	res, err := g.Verify(context.Background(), tool, pol, tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Level != policy.High {
		t.Errorf("Level = %v", res.Level)
	}
}

func TestGate_CachesSuccessBoundedByTokenExpiry(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now, CacheTTL: 2 * time.Hour})
	tool := signedTool(t)
	tok := token(c, "calc:read", "calc:execute")

	first, err := g.Verify(context.Background(), tool, policy.Default(), tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if first.Cached {
		t.Error("first result should not be cached")
	}
	if !first.ValidUntil.Equal(tok.ExpiresAt) {
		t.Errorf("ValidUntil = %v, want token expiry %v", first.ValidUntil, tok.ExpiresAt)
	}

	second, err := g.Verify(context.Background(), tool, policy.Default(), tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !second.Cached {
		t.Error("second result should be cached")
	}

	c.Advance(time.Hour)
	if _, err := g.Verify(context.Background(), tool, policy.Default(), tok); !errors.Is(err, secerr.ErrAuth) {
		t.Fatalf("Verify() after expiry error = %v, want AuthError", err)
	}
}

func TestGate_CacheWriteFailureIsLogged(t *testing.T) {
	c := newClock()
	var logs bytes.Buffer
	g := NewGate(GateConfig{Now: c.Now, Logger: observe.NewLoggerWithWriter("warn", &logs)})

	// The derived cache key exceeds the cache's key limit.
	tool := hexTool()
	tool.ID = strings.Repeat("x", cache.MaxKeyLength)
	tok := token(c, "calc:read", "calc:execute")

	for i := 0; i < 2; i++ {
		res, err := g.Verify(context.Background(), tool, policy.Default(), tok)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if res.Cached {
			t.Error("result cached despite the failed write")
		}
	}
	if !strings.Contains(logs.String(), "verification cache write failed") {
		t.Errorf("logs = %q, want the cache write failure", logs.String())
	}
}

func TestGate_PolicyAndTokenAreInTheKey(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	tool := hexTool()
	tok := token(c, "calc:read", "calc:execute")

	if _, err := g.Verify(context.Background(), tool, policy.Default(), tok); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	high := policy.Default()
	high.Level = policy.High
	if _, err := g.Verify(context.Background(), tool, high, tok); !errors.Is(err, secerr.ErrPolicyViolation) {
		t.Errorf("Verify(HIGH) error = %v, want PolicyViolation", err)
	}

	narrow := tok.Clone()
	narrow.Scopes = []string{"calc:read"}
	if _, err := g.Verify(context.Background(), tool, policy.Default(), narrow); !errors.Is(err, secerr.ErrInsufficientScope) {
		t.Errorf("Verify(narrow token) error = %v, want InsufficientScope", err)
	}
}

func TestGate_FailuresAreNotCached(t *testing.T) {
	c := newClock()
	rec := &recorder{}
	g := NewGate(GateConfig{Now: c.Now, Events: rec})

	for i := 0; i < 2; i++ {
		if _, err := g.Verify(context.Background(), hexTool(), policy.Default(), token(c)); err == nil {
			t.Fatal("Verify() should fail without scopes")
		}
	}
	if n := g.results.Len(); n != 0 {
		t.Errorf("cache holds %d entries after failures", n)
	}
	got := rec.types()
	if len(got) != 2 || got[0] != events.VerificationFailure {
		t.Errorf("events = %v, want two VERIFICATION_FAILURE", got)
	}
}

func TestGate_ExpiredOrMissingToken(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})

	expired := token(c, "calc:read", "calc:execute")
	expired.ExpiresAt = c.Now()

	for name, tok := range map[string]*oauth.Token{"expired": expired, "nil": nil, "empty": {TokenType: "Bearer"}} {
		t.Run(name, func(t *testing.T) {
			if _, err := g.Verify(context.Background(), hexTool(), policy.Default(), tok); !errors.Is(err, secerr.ErrAuth) {
				t.Errorf("Verify() error = %v, want AuthError", err)
			}
		})
	}

	if _, err := g.Verify(context.Background(), nil, policy.Default(), expired); !errors.Is(err, secerr.ErrToolNotFound) {
		t.Errorf("Verify(nil tool) error = %v, want ToolNotFound", err)
	}
}

func TestGate_DeadlineIsTimeout(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := g.Verify(ctx, hexTool(), policy.Default(), token(c, "calc:read", "calc:execute"))
	if !errors.Is(err, secerr.ErrTimeout) {
		t.Fatalf("Verify() error = %v, want TimeoutError", err)
	}
}

func TestGate_ReRegistrationInvalidates(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	r := NewRegistry()
	g.Attach(r)

	if _, err := r.Register(*hexTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	tok := token(c, "calc:read", "calc:execute")
	tool, _ := r.Get("calc")
	if _, err := g.Verify(context.Background(), tool, policy.Default(), tok); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if g.results.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", g.results.Len())
	}

	if _, err := r.Register(*hexTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if g.results.Len() != 0 {
		t.Fatalf("cache len = %d after re-registration, want 0", g.results.Len())
	}
	res, err := g.Verify(context.Background(), tool, policy.Default(), tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Cached {
		t.Error("result after re-registration should not be cached")
	}
}

func TestGate_ConcurrentVerifications(t *testing.T) {
	c := newClock()
	g := NewGate(GateConfig{Now: c.Now})
	tool := signedTool(t)
	tok := token(c, "calc:read", "calc:execute")

	var failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Verify(context.Background(), tool, policy.Default(), tok); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d verifications failed", failures.Load())
	}
	if g.results.Len() != 1 {
		t.Errorf("cache len = %d, want 1", g.results.Len())
	}
}
