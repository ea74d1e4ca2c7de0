// Package inflight provides a single-slot guard: at most one holder at a time,
// with non-blocking check-and-set for callers that should skip when busy and a
// blocking acquire for callers that must run after the current holder.
package inflight

import (
	"context"
	"sync"
)

// Guard is a single-slot in-flight marker. The zero value is ready to use.
type Guard struct {
	mu   sync.Mutex
	kind string
	done chan struct{}
}

// TryAcquire takes the slot if it is free. The returned release func must be
// called exactly once; extra calls are ignored.
func (g *Guard) TryAcquire(kind string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		return nil, false
	}
	done := make(chan struct{})
	g.kind = kind
	g.done = done

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.kind = ""
			g.done = nil
			g.mu.Unlock()
			close(done)
		})
	}, true
}

// Acquire waits until the slot is free and takes it.
func (g *Guard) Acquire(ctx context.Context, kind string) (func(), error) {
	for {
		if release, ok := g.TryAcquire(kind); ok {
			return release, nil
		}
		if err := g.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Wait blocks until the current holder, if any, releases the slot.
func (g *Guard) Wait(ctx context.Context) error {
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Holder reports what currently holds the slot.
func (g *Guard) Holder() (kind string, busy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kind, g.done != nil
}
