package resilience

import (
	"context"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout passes.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit.
	// Default: 5
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before probing.
	// Default: 30s
	ResetTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called on every transition, with the breaker's lock
	// held. It must not call back into the breaker.
	OnStateChange func(from, to State)

	// IsFailure decides whether an error counts against the endpoint.
	// Default: every non-nil error
	IsFailure func(err error) bool

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// CircuitBreaker implements the circuit breaker pattern.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: Execute returns ErrCircuitOpen without calling op while open.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCount int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{config: config}
}

// Execute runs op unless the circuit is open, and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := op(ctx)
	cb.after(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentLocked()
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setLocked(StateClosed)
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentLocked() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenCount++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.config.IsFailure(err)
	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.openedAt = cb.config.Now()
			cb.setLocked(StateOpen)
		}
	case StateHalfOpen:
		if failed {
			cb.openedAt = cb.config.Now()
			cb.setLocked(StateOpen)
			return
		}
		cb.failures = 0
		cb.setLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) currentLocked() State {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		cb.setLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenCount = 0
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}
