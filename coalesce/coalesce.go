// Package coalesce merges concurrent identical requests into a single
// network round-trip with a shared result. It is modeled on
// x/sync/singleflight but adds the short debounce window the sync core
// needs: the producer only runs once the window has elapsed, so bursts
// of identical calls inside the window cost one request.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/fleetview/fleetview-client/internal/metrics"
)

// DefaultDebounce is the window during which identical calls pile onto
// one pending request.
const DefaultDebounce = 300 * time.Millisecond

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Group deduplicates in-flight calls by key.
type Group[V any] struct {
	mu       sync.Mutex
	calls    map[string]*call[V]
	debounce time.Duration
}

type Option[V any] func(*Group[V])

// WithDebounce overrides the debounce window (primarily for testing).
func WithDebounce[V any](d time.Duration) Option[V] {
	return func(g *Group[V]) {
		g.debounce = d
	}
}

func NewGroup[V any](options ...Option[V]) *Group[V] {
	g := &Group[V]{
		calls:    make(map[string]*call[V]),
		debounce: DefaultDebounce,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Do returns the producer's result for key, sharing one execution among
// all callers that arrive while it is pending. The entry is removed
// before the result is delivered, so a caller arriving after settle
// starts a fresh request. A caller whose context ends while waiting
// gets the context error; the shared producer keeps running for the
// others.
func (g *Group[V]) Do(ctx context.Context, key string, producer func(context.Context) (V, error)) (V, error) {
	g.mu.Lock()
	if pending, ok := g.calls[key]; ok {
		g.mu.Unlock()
		metrics.CoalescedCallsTotal.Inc()
		return pending.wait(ctx)
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(key, c, producer)
	return c.wait(ctx)
}

func (g *Group[V]) run(key string, c *call[V], producer func(context.Context) (V, error)) {
	if g.debounce > 0 {
		timer := time.NewTimer(g.debounce)
		<-timer.C
	}

	// The producer runs detached from any single caller's context so a
	// cancelled waiter cannot starve the rest.
	c.val, c.err = producer(context.Background())

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()

	close(c.done)
}

func (c *call[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Pending reports whether a call for key is currently in flight.
func (g *Group[V]) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
