package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jonwraymond/toolguard/cache"
	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/secerr"
)

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// Leeway treats cached tokens this close to expiry as expired.
	// Default: 30s
	Leeway time.Duration

	// Timeout bounds each token acquisition, retries included.
	// Default: 10s
	Timeout time.Duration

	// MaxAttempts bounds grant attempts for transient failures.
	// Default: 3
	MaxAttempts uint

	// InitialBackoff is the first retry delay.
	// Default: 200ms
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	// Default: 2s
	MaxBackoff time.Duration

	// GrantRate limits grant requests per second to the provider.
	// Default: 10
	GrantRate rate.Limit

	// GrantBurst is the limiter burst.
	// Default: 5
	GrantBurst int

	// Logger receives broker logs. Default: no-op
	Logger observe.Logger

	// Metrics records cache hits and grants. Default: no-op
	Metrics observe.Metrics

	// Events receives AUTH_SUCCESS and AUTH_FAILURE. Default: discarded
	Events events.Emitter

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

func (c *BrokerConfig) applyDefaults() {
	if c.Leeway == 0 {
		c.Leeway = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.GrantRate == 0 {
		c.GrantRate = 10
	}
	if c.GrantBurst == 0 {
		c.GrantBurst = 5
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observe.NopMetrics()
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Broker acquires and caches tool tokens.
//
// Concurrency: safe for concurrent use. Lookups for the same key while a
// grant is in flight wait for that grant; each waiter honors its own context
// while the grant runs on a detached context bounded by Timeout.
type Broker struct {
	provider Provider
	cfg      BrokerConfig
	tokens   *cache.MemoryCache[*Token]
	keyer    cache.Keyer
	flights  singleflight.Group
	limiter  *rate.Limiter
}

// NewBroker creates a broker backed by provider.
func NewBroker(provider Provider, cfg BrokerConfig) *Broker {
	cfg.applyDefaults()
	return &Broker{
		provider: provider,
		cfg:      cfg,
		tokens: cache.NewMemoryCache[*Token](
			cache.Policy{DefaultTTL: DefaultTokenLifetime, MaxTTL: 24 * time.Hour},
			cache.WithClock(cfg.Now),
		),
		keyer:   cache.NewDefaultKeyer(),
		limiter: rate.NewLimiter(cfg.GrantRate, cfg.GrantBurst),
	}
}

// Provider returns the broker's provider.
func (b *Broker) Provider() Provider { return b.provider }

// GetToken returns a token for toolID carrying permissions. An unexpired
// cached token is returned without contacting the provider.
func (b *Broker) GetToken(ctx context.Context, toolID string, permissions []string) (*Token, error) {
	scopes := NormalizeScopes(permissions)
	key, err := b.key(toolID, scopes)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindInternal, toolID, "oauth.get_token", "cache key", err)
	}

	if tok, ok := b.cached(key); ok {
		b.cfg.Metrics.RecordTokenCache(ctx, toolID, true)
		return tok, nil
	}
	b.cfg.Metrics.RecordTokenCache(ctx, toolID, false)

	return b.acquire(ctx, key, "oauth.get_token", func(fctx context.Context) (*Token, error) {
		// A flight that finished just before this one may have filled the cache.
		if tok, ok := b.cached(key); ok {
			return tok, nil
		}
		return b.renew(fctx, key, toolID, scopes)
	}, toolID)
}

// ValidateToken reports whether tok is usable: non-empty, bearer and
// unexpired. It neither mutates state nor contacts the provider.
func (b *Broker) ValidateToken(tok *Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if !strings.EqualFold(tok.TokenType, "bearer") {
		return false
	}
	return b.cfg.Now().Before(tok.ExpiresAt)
}

// Refresh forces a new grant for tok's tool and scopes. On success the
// cached entry is replaced; if the provider rejects the grant the entry is
// evicted. A refresh joins a grant already in flight for the same tool and
// scopes. A caller whose context is already done starts no grant.
func (b *Broker) Refresh(ctx context.Context, tok *Token) (*Token, error) {
	if tok == nil {
		return nil, secerr.New(secerr.KindAuth, "", "oauth.refresh", "no token to refresh")
	}
	scopes := tok.requested
	if scopes == nil {
		scopes = NormalizeScopes(tok.Scopes)
	}
	key, err := b.key(tok.ToolID, scopes)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindInternal, tok.ToolID, "oauth.refresh", "cache key", err)
	}

	return b.acquire(ctx, key, "oauth.refresh", func(fctx context.Context) (*Token, error) {
		return b.renew(fctx, key, tok.ToolID, scopes)
	}, tok.ToolID)
}

// renew grants a token for key and replaces the cached entry. A rejected
// grant evicts the entry.
func (b *Broker) renew(ctx context.Context, key, toolID string, scopes []string) (*Token, error) {
	next, err := b.grant(ctx, toolID, scopes)
	if err != nil {
		if errors.Is(err, ErrGrantRejected) {
			b.tokens.Delete(key)
		}
		return nil, err
	}
	next.requested = scopes
	b.store(key, next)
	return next.Clone(), nil
}

// Invalidate drops the cached token for toolID and scopes.
func (b *Broker) Invalidate(toolID string, scopes []string) {
	if key, err := b.key(toolID, NormalizeScopes(scopes)); err == nil {
		b.tokens.Delete(key)
	}
}

// InvalidateTool drops every cached token for toolID.
func (b *Broker) InvalidateTool(toolID string) int {
	return b.tokens.DeletePrefix(cache.Prefix("token", toolID))
}

func (b *Broker) key(toolID string, scopes []string) (string, error) {
	return b.keyer.Key(strings.TrimSuffix(cache.Prefix("token", toolID), ":"), scopes)
}

func (b *Broker) cached(key string) (*Token, bool) {
	tok, ok := b.tokens.Get(key)
	if !ok || tok.Expired(b.cfg.Now(), b.cfg.Leeway) {
		return nil, false
	}
	return tok.Clone(), true
}

func (b *Broker) store(key string, tok *Token) {
	ttl := tok.ExpiresAt.Sub(b.cfg.Now()) - b.cfg.Leeway
	if ttl <= 0 {
		return
	}
	if err := b.tokens.Set(key, tok, ttl); err != nil {
		b.cfg.Logger.Warn(context.Background(), "token cache write failed",
			observe.F("tool_id", tok.ToolID), observe.F("error", err))
	}
}

type flightResult struct {
	tok *Token
	err error
}

// acquire runs fn once per cache key on a detached, timeout-bounded
// context. The caller waits no longer than its own context allows; its
// cancellation never fails other waiters on the same flight.
func (b *Broker) acquire(ctx context.Context, flightKey, op string, fn func(context.Context) (*Token, error), toolID string) (*Token, error) {
	if ctx.Err() != nil {
		return nil, b.contextError(ctx, toolID, op)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	ch := b.flights.DoChan(flightKey, func() (any, error) {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.Timeout)
		defer fcancel()
		tok, err := fn(fctx)
		return flightResult{tok: tok, err: err}, nil
	})

	select {
	case <-ctx.Done():
		return nil, b.contextError(ctx, toolID, op)
	case res := <-ch:
		fr := res.Val.(flightResult)
		if fr.err != nil {
			return nil, b.classify(toolID, op, fr.err)
		}
		if res.Shared {
			return fr.tok.Clone(), nil
		}
		return fr.tok, nil
	}
}

// grant requests a token with retries for transient failures.
func (b *Broker) grant(ctx context.Context, toolID string, scopes []string) (*Token, error) {
	log := b.cfg.Logger.WithTool(toolID)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.InitialBackoff
	eb.MaxInterval = b.cfg.MaxBackoff

	op := func() (*Token, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		tok, err := b.provider.Grant(ctx, scopes)
		if err == nil {
			return tok, nil
		}
		if errors.Is(err, ErrGrantRejected) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	tok, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(b.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(ctx, "token grant failed, retrying",
				observe.F("provider", b.provider.Name()),
				observe.F("retry_in", next.String()),
				observe.F("error", err))
		}),
	)
	b.cfg.Metrics.RecordGrant(ctx, b.provider.Name(), err)

	if err != nil {
		log.Error(ctx, "token grant failed",
			observe.F("provider", b.provider.Name()), observe.F("error", err))
		b.cfg.Events.Emit(events.New(events.AuthFailure, toolID, map[string]any{
			"provider":   b.provider.Name(),
			"error_kind": string(secerr.KindOf(b.classify(toolID, "", err))),
		}))
		return nil, err
	}

	tok.ToolID = toolID
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	log.Info(ctx, "token granted",
		observe.F("provider", b.provider.Name()),
		observe.F("scopes", strings.Join(tok.Scopes, " ")),
		observe.F("expires_at", tok.ExpiresAt))
	b.cfg.Events.Emit(events.New(events.AuthSuccess, toolID, map[string]any{
		"provider":   b.provider.Name(),
		"scopes":     tok.Scopes,
		"expires_at": tok.ExpiresAt,
	}))
	return tok, nil
}

func (b *Broker) classify(toolID, op string, err error) error {
	var se *secerr.Error
	if errors.As(err, &se) {
		return secerr.WithTool(err, toolID, se.Kind, op)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return secerr.Wrap(secerr.KindTimeout, toolID, op, "token acquisition timed out", err)
	case errors.Is(err, ErrGrantRejected):
		return secerr.Wrap(secerr.KindAuth, toolID, op, "token grant rejected by provider", err)
	default:
		return secerr.Wrap(secerr.KindAuth, toolID, op, "token acquisition failed", err)
	}
}

func (b *Broker) contextError(ctx context.Context, toolID, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return secerr.Wrap(secerr.KindTimeout, toolID, op, "token acquisition timed out", ctx.Err())
	}
	return secerr.Wrap(secerr.KindInternal, toolID, op, "token acquisition canceled", ctx.Err())
}
