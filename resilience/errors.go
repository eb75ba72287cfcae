package resilience

import "errors"

var (
	// ErrCircuitOpen is returned while a circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrBulkheadFull is returned when no slot frees up in time.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")
)
