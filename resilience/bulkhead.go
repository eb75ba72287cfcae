package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// BulkheadConfig configures a Bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the number of operations allowed in flight.
	// Default: 10
	MaxConcurrent int

	// MaxWait is how long to wait for a slot. Zero fails immediately.
	// Default: 0
	MaxWait time.Duration
}

// Bulkhead limits concurrent operations.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: Execute returns ErrBulkheadFull without calling op when no
// slot frees up within MaxWait, or ctx.Err() if ctx ends first.
type Bulkhead struct {
	config   BulkheadConfig
	sem      *semaphore.Weighted
	active   atomic.Int64
	rejected atomic.Int64
}

// NewBulkhead creates a Bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	return &Bulkhead{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Execute runs op in a slot.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
	}()
	return op(ctx)
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	if b.sem.TryAcquire(1) {
		return nil
	}
	if b.config.MaxWait <= 0 {
		b.rejected.Add(1)
		return ErrBulkheadFull
	}

	wctx, cancel := context.WithTimeout(ctx, b.config.MaxWait)
	defer cancel()
	if err := b.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.rejected.Add(1)
		return ErrBulkheadFull
	}
	return nil
}

// BulkheadMetrics is a snapshot of a Bulkhead.
type BulkheadMetrics struct {
	Active        int
	MaxConcurrent int
	Rejected      int64
}

// Metrics returns current counters.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	return BulkheadMetrics{
		Active:        int(b.active.Load()),
		MaxConcurrent: b.config.MaxConcurrent,
		Rejected:      b.rejected.Load(),
	}
}
