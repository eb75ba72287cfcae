package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/toolguard/resilience"
	"github.com/jonwraymond/toolguard/signing"
)

// EventBus is the part of events.Bus a BusChecker inspects.
type EventBus interface {
	Closed() bool
	Dropped() uint64
	Subscribers() int
}

// BusChecker reports an event bus: unhealthy once closed, degraded after
// it has dropped events for slow subscribers.
func BusChecker(bus EventBus) Checker {
	return NewCheckerFunc("event_bus", func(context.Context) Result {
		details := map[string]any{
			"subscribers": bus.Subscribers(),
			"dropped":     bus.Dropped(),
		}
		switch {
		case bus.Closed():
			return Unhealthy("event bus is closed", nil).WithDetails(details)
		case bus.Dropped() > 0:
			return Degraded(fmt.Sprintf("%d events dropped", bus.Dropped())).WithDetails(details)
		}
		return Healthy("event bus running").WithDetails(details)
	})
}

// SigningKeyChecker reports whether the key named by keyID resolves to a
// usable public key.
func SigningKeyChecker(keys signing.PublicKeyResolver, keyID func() string) Checker {
	return NewCheckerFunc("signing_key", func(ctx context.Context) Result {
		id := keyID()
		if id == "" {
			return Unhealthy("no signing key configured", signing.ErrKeyNotFound)
		}
		pub, alg, err := keys.PublicKey(ctx, id)
		if err != nil {
			return Unhealthy("signing key unavailable", err).WithDetails(map[string]any{"key_id": id})
		}
		fp, err := signing.Fingerprint(pub)
		if err != nil {
			return Unhealthy("signing key is malformed", err).WithDetails(map[string]any{"key_id": id})
		}
		return Healthy("signing key available").WithDetails(map[string]any{
			"key_id":      id,
			"algorithm":   string(alg),
			"fingerprint": fp,
		})
	})
}

// ToolsChecker reports degraded while no tools are registered.
func ToolsChecker(count func() int) Checker {
	return NewCheckerFunc("tools", func(context.Context) Result {
		n := count()
		details := map[string]any{"registered": n}
		if n == 0 {
			return Degraded("no tools registered").WithDetails(details)
		}
		return Healthy(fmt.Sprintf("%d tools registered", n)).WithDetails(details)
	})
}

// Circuit is the part of resilience.CircuitBreaker a CircuitChecker
// inspects.
type Circuit interface {
	State() resilience.State
	Failures() int
}

// CircuitChecker reports a tool's upstream circuit: degraded while open or
// probing, since the server still serves its other tools.
func CircuitChecker(name string, c Circuit) Checker {
	return NewCheckerFunc(name, func(context.Context) Result {
		state := c.State()
		details := map[string]any{"state": state.String(), "failures": c.Failures()}
		if state != resilience.StateClosed {
			return Degraded("upstream circuit is " + state.String()).WithDetails(details)
		}
		return Healthy("upstream circuit is closed").WithDetails(details)
	})
}
