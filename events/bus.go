package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config configures a Bus.
type Config struct {
	// BufferSize is the per-subscriber queue length.
	// Default: 64
	BufferSize int

	// OnPanic is called when a handler panics. Default: ignore.
	OnPanic func(ev Event, recovered any)
}

// Bus is an in-process Emitter with typed subscriptions.
type Bus struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type subscriber struct {
	typ   Type // empty subscribes to all types
	ch    chan Event
	h     Handler
	close sync.Once
}

// NewBus creates a running bus.
func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Bus{cfg: cfg, subs: make(map[uint64]*subscriber)}
}

// Subscribe registers h for events of typ. The returned function removes the
// subscription; events already queued are still delivered.
func (b *Bus) Subscribe(typ Type, h Handler) (func(), error) {
	return b.subscribe(typ, h)
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) (func(), error) {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(typ Type, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	s := &subscriber{typ: typ, ch: make(chan Event, b.cfg.BufferSize), h: h}
	b.subs[id] = s

	b.wg.Add(1)
	go b.run(s)

	return func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok && cur == s {
			delete(b.subs, id)
			s.close.Do(func() { close(s.ch) })
		}
		b.mu.Unlock()
	}, nil
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for ev := range s.ch {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.cfg.OnPanic != nil {
			b.cfg.OnPanic(ev, r)
		}
	}()
	s.h(context.Background(), ev)
}

// Emit queues ev for every matching subscriber without blocking. Events
// emitted after Close are dropped.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	for _, s := range b.subs {
		if s.typ != "" && s.typ != ev.Type {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were dropped.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events and waits for queued events to drain or for
// ctx to end.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, s := range b.subs {
			s.close.Do(func() { close(s.ch) })
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Ensure Bus implements Emitter
var _ Emitter = (*Bus)(nil)
