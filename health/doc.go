// Package health reports the health of toolguard components.
//
// A Checker reports one component: the event bus, the signing key, the
// tool registry. An Aggregator runs a set of checkers under a shared
// timeout, and Mount exposes the results on a chi router:
//
//	/healthz  liveness, always OK while the process serves requests
//	/readyz   readiness, 503 when any check is unhealthy
//	/health   JSON detail for every check
package health
