// Package resilience protects upstream tool endpoints.
//
// A CircuitBreaker stops forwarding to an endpoint after repeated upstream
// failures and probes it again after a cool-down. A Bulkhead bounds how
// many invocations of one tool are in flight at once. Both are applied by
// server.ForwardHandler; retries and rate limits live in the OAuth broker.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	    MaxFailures:  5,
//	    ResetTimeout: 30 * time.Second,
//	})
//	err := cb.Execute(ctx, forward)
package resilience
