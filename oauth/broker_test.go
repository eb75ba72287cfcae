package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/secerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubProvider issues tokens valid for an hour on the fake clock.
type stubProvider struct {
	clock   *fakeClock
	grants  atomic.Int32
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	errs []error // returned in order, then success
}

func (p *stubProvider) Name() string         { return "stub" }
func (p *stubProvider) Endpoints() Endpoints { return Endpoints{} }

func (p *stubProvider) Grant(ctx context.Context, scopes []string) (*Token, error) {
	n := p.grants.Add(1)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	return &Token{
		AccessToken: fmt.Sprintf("tok-%d", n),
		TokenType:   "Bearer",
		Scopes:      append([]string(nil), scopes...),
		ExpiresAt:   p.clock.Now().Add(time.Hour),
	}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestBroker(p *stubProvider, em events.Emitter) *Broker {
	return NewBroker(p, BrokerConfig{
		Now:            p.clock.Now,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		GrantRate:      1000,
		GrantBurst:     100,
		Events:         em,
	})
}

func TestBroker_CachedTokenIssuesNoGrant(t *testing.T) {
	p := &stubProvider{clock: newClock()}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	first, err := b.GetToken(ctx, "calc", []string{"tool:calc:execute", "read"})
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	second, err := b.GetToken(ctx, "calc", []string{"read", "tool:calc:execute", "read"})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.grants.Load(); got != 1 {
		t.Errorf("grants = %d, want 1", got)
	}
	if first.AccessToken != second.AccessToken || second.ToolID != "calc" {
		t.Errorf("second = %v, want cached %v", second, first)
	}

	if _, err := b.GetToken(ctx, "search", []string{"read"}); err != nil {
		t.Fatal(err)
	}
	if got := p.grants.Load(); got != 2 {
		t.Errorf("grants after other tool = %d, want 2", got)
	}
}

func TestBroker_CachedTokenOverHTTPIssuesNoRequest(t *testing.T) {
	ts := newTokenServer(t, 0, "")
	b := NewBroker(newTestProvider(t, ts.URL), BrokerConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.GetToken(ctx, "calc", []string{"tool:calc:execute"}); err != nil {
			t.Fatalf("GetToken() error = %v", err)
		}
	}
	if got := ts.calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
}

func TestBroker_ConcurrentExpiredLookupsShareOneGrant(t *testing.T) {
	clock := newClock()
	p := &stubProvider{clock: clock}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	if _, err := b.GetToken(ctx, "calc", []string{"x"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)

	p.started = make(chan struct{}, 1)
	p.release = make(chan struct{})

	const n = 25
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := b.GetToken(ctx, "calc", []string{"x"})
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}

	<-p.started
	time.Sleep(20 * time.Millisecond)
	close(p.release)
	wg.Wait()

	if got := p.grants.Load(); got != 2 {
		t.Errorf("grants = %d, want 2 (initial + one refresh)", got)
	}
	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("lookup %d error = %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("lookup %d got %q, want shared %q", i, tokens[i], tokens[0])
		}
	}
}

func TestBroker_LeewayTreatsNearExpiryAsExpired(t *testing.T) {
	clock := newClock()
	p := &stubProvider{clock: clock}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	_, _ = b.GetToken(ctx, "calc", nil)
	clock.Advance(time.Hour - 10*time.Second)
	_, _ = b.GetToken(ctx, "calc", nil)
	if got := p.grants.Load(); got != 2 {
		t.Errorf("grants = %d, want 2", got)
	}
}

func TestBroker_ValidateTokenIsPure(t *testing.T) {
	clock := newClock()
	p := &stubProvider{clock: clock}
	b := newTestBroker(p, nil)

	tok, err := b.GetToken(context.Background(), "calc", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if !b.ValidateToken(tok) {
			t.Fatalf("ValidateToken() call %d = false", i)
		}
	}
	if got := p.grants.Load(); got != 1 {
		t.Errorf("ValidateToken caused grants: %d", got)
	}

	tests := []struct {
		name string
		tok  *Token
	}{
		{"nil", nil},
		{"empty", &Token{TokenType: "Bearer", ExpiresAt: clock.Now().Add(time.Hour)}},
		{"not bearer", &Token{AccessToken: "x", TokenType: "mac", ExpiresAt: clock.Now().Add(time.Hour)}},
		{"expired", &Token{AccessToken: "x", TokenType: "bearer", ExpiresAt: clock.Now()}},
	}
	for _, tt := range tests {
		if b.ValidateToken(tt.tok) || b.ValidateToken(tt.tok) {
			t.Errorf("ValidateToken(%s) = true", tt.name)
		}
	}
}

func TestBroker_RetriesTransientFailures(t *testing.T) {
	p := &stubProvider{clock: newClock(), errs: []error{ErrGrantFailed, ErrGrantFailed}}
	em := &recordingEmitter{}
	b := newTestBroker(p, em)

	tok, err := b.GetToken(context.Background(), "calc", nil)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if tok.AccessToken != "tok-3" {
		t.Errorf("AccessToken = %q, want tok-3", tok.AccessToken)
	}
	if types := em.types(); len(types) != 1 || types[0] != events.AuthSuccess {
		t.Errorf("events = %v, want [AUTH_SUCCESS]", types)
	}
}

func TestBroker_RejectionIsAuthErrorAndNotRetried(t *testing.T) {
	p := &stubProvider{clock: newClock(), errs: []error{fmt.Errorf("%w: access_denied", ErrGrantRejected)}}
	em := &recordingEmitter{}
	b := newTestBroker(p, em)

	_, err := b.GetToken(context.Background(), "calc", nil)
	if !errors.Is(err, secerr.ErrAuth) {
		t.Fatalf("GetToken() error = %v, want AuthError", err)
	}
	if secerr.ToolIDOf(err) != "calc" {
		t.Errorf("ToolIDOf() = %q", secerr.ToolIDOf(err))
	}
	if got := p.grants.Load(); got != 1 {
		t.Errorf("grants = %d, want 1", got)
	}
	if types := em.types(); len(types) != 1 || types[0] != events.AuthFailure {
		t.Errorf("events = %v, want [AUTH_FAILURE]", types)
	}
}

func TestBroker_ExhaustedRetriesAreAuthError(t *testing.T) {
	p := &stubProvider{clock: newClock(), errs: []error{ErrGrantFailed, ErrGrantFailed, ErrGrantFailed, ErrGrantFailed}}
	b := newTestBroker(p, nil)

	_, err := b.GetToken(context.Background(), "calc", nil)
	if !errors.Is(err, secerr.ErrAuth) || !errors.Is(err, ErrGrantFailed) {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got := p.grants.Load(); got != 3 {
		t.Errorf("grants = %d, want 3", got)
	}
}

func TestBroker_Timeout(t *testing.T) {
	p := &stubProvider{clock: newClock(), release: make(chan struct{})}
	b := NewBroker(p, BrokerConfig{Now: p.clock.Now, Timeout: 30 * time.Millisecond})

	_, err := b.GetToken(context.Background(), "calc", nil)
	if !errors.Is(err, secerr.ErrTimeout) {
		t.Fatalf("GetToken() error = %v, want TimeoutError", err)
	}
}

func TestBroker_Refresh(t *testing.T) {
	clock := newClock()
	p := &stubProvider{clock: clock}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	old, _ := b.GetToken(ctx, "calc", []string{"x"})
	next, err := b.Refresh(ctx, old)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.AccessToken == old.AccessToken {
		t.Error("Refresh() returned the old token")
	}
	cached, _ := b.GetToken(ctx, "calc", []string{"x"})
	if cached.AccessToken != next.AccessToken {
		t.Errorf("cache holds %q, want refreshed %q", cached.AccessToken, next.AccessToken)
	}
	if got := p.grants.Load(); got != 2 {
		t.Errorf("grants = %d, want 2", got)
	}
}

func TestBroker_RefreshRejectionEvicts(t *testing.T) {
	p := &stubProvider{clock: newClock()}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	old, _ := b.GetToken(ctx, "calc", nil)
	p.errs = []error{ErrGrantRejected}
	if _, err := b.Refresh(ctx, old); !errors.Is(err, secerr.ErrAuth) {
		t.Fatalf("Refresh() error = %v, want AuthError", err)
	}

	tok, err := b.GetToken(ctx, "calc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == old.AccessToken {
		t.Error("rejected refresh left the old token cached")
	}
}

func TestBroker_RefreshCancellationLeavesCache(t *testing.T) {
	p := &stubProvider{clock: newClock()}
	b := newTestBroker(p, nil)

	old, _ := b.GetToken(context.Background(), "calc", nil)

	p.release = make(chan struct{})
	defer close(p.release)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Refresh(ctx, old); err == nil {
		t.Fatal("Refresh() with canceled context succeeded")
	}

	tok, err := b.GetToken(context.Background(), "calc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != old.AccessToken {
		t.Errorf("cache changed after canceled refresh: %q", tok.AccessToken)
	}
}

func TestBroker_RefreshLeaderCancelDoesNotFailWaiters(t *testing.T) {
	p := &stubProvider{clock: newClock()}
	b := newTestBroker(p, nil)

	old, err := b.GetToken(context.Background(), "calc", []string{"x"})
	if err != nil {
		t.Fatal(err)
	}

	p.started = make(chan struct{}, 1)
	p.release = make(chan struct{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := b.Refresh(leaderCtx, old)
		leaderErr <- err
	}()
	<-p.started

	type result struct {
		tok *Token
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		tok, err := b.Refresh(context.Background(), old)
		waiter <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !errors.Is(err, secerr.ErrInternal) {
		t.Errorf("leader Refresh() error = %v, want canceled", err)
	}
	close(p.release)

	res := <-waiter
	if res.err != nil {
		t.Fatalf("waiter Refresh() error = %v", res.err)
	}
	if res.tok.AccessToken == old.AccessToken {
		t.Error("waiter got the old token")
	}
	if got := p.grants.Load(); got != 2 {
		t.Errorf("grants = %d, want 2", got)
	}
	cached, _ := b.GetToken(context.Background(), "calc", []string{"x"})
	if cached.AccessToken != res.tok.AccessToken {
		t.Errorf("cache holds %q, want %q", cached.AccessToken, res.tok.AccessToken)
	}
}

func TestBroker_RefreshJoinsInFlightLookup(t *testing.T) {
	clock := newClock()
	p := &stubProvider{clock: clock}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	old, err := b.GetToken(ctx, "calc", []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)

	p.started = make(chan struct{}, 1)
	p.release = make(chan struct{})

	var wg sync.WaitGroup
	var got, refreshed *Token
	var getErr, refreshErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		got, getErr = b.GetToken(ctx, "calc", []string{"read"})
	}()
	<-p.started
	go func() {
		defer wg.Done()
		refreshed, refreshErr = b.Refresh(ctx, old)
	}()
	time.Sleep(20 * time.Millisecond)
	close(p.release)
	wg.Wait()

	if getErr != nil || refreshErr != nil {
		t.Fatalf("GetToken() = %v, Refresh() = %v", getErr, refreshErr)
	}
	if n := p.grants.Load(); n != 2 {
		t.Errorf("grants = %d, want 2 (initial + one shared)", n)
	}
	if got.AccessToken != refreshed.AccessToken {
		t.Errorf("GetToken() = %q, Refresh() = %q, want the same token", got.AccessToken, refreshed.AccessToken)
	}
}

func TestBroker_Invalidate(t *testing.T) {
	p := &stubProvider{clock: newClock()}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	_, _ = b.GetToken(ctx, "calc", []string{"a"})
	_, _ = b.GetToken(ctx, "calc", []string{"b"})
	b.Invalidate("calc", []string{"a"})
	_, _ = b.GetToken(ctx, "calc", []string{"b"})
	if got := p.grants.Load(); got != 2 {
		t.Errorf("grants = %d, want 2", got)
	}
	_, _ = b.GetToken(ctx, "calc", []string{"a"})
	if got := p.grants.Load(); got != 3 {
		t.Errorf("grants = %d, want 3", got)
	}

	if n := b.InvalidateTool("calc"); n != 2 {
		t.Errorf("InvalidateTool() = %d, want 2", n)
	}
}

func TestBroker_ReturnsCopies(t *testing.T) {
	p := &stubProvider{clock: newClock()}
	b := newTestBroker(p, nil)
	ctx := context.Background()

	tok, _ := b.GetToken(ctx, "calc", []string{"a"})
	tok.Scopes[0] = "admin"
	tok.AccessToken = "forged"

	again, _ := b.GetToken(ctx, "calc", []string{"a"})
	if again.AccessToken == "forged" || again.Scopes[0] != "a" {
		t.Errorf("cached token was mutated through a returned copy: %v", again)
	}
}

func TestToken_MissingScopes(t *testing.T) {
	tok := &Token{Scopes: []string{"a", "b"}}
	if got := tok.MissingScopes([]string{"c", "a", "d"}); fmt.Sprint(got) != "[c d]" {
		t.Errorf("MissingScopes() = %v", got)
	}
	if got := tok.MissingScopes([]string{"b"}); got != nil {
		t.Errorf("MissingScopes(subset) = %v", got)
	}
}
