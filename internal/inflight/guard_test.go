package inflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	var g Guard
	release, ok := g.TryAcquire("flush")
	require.True(t, ok)

	_, ok = g.TryAcquire("reconcile")
	assert.False(t, ok)
	kind, busy := g.Holder()
	assert.True(t, busy)
	assert.Equal(t, "flush", kind)

	release()
	release()

	_, busy = g.Holder()
	assert.False(t, busy)
	_, ok = g.TryAcquire("reconcile")
	assert.True(t, ok)
}

func TestConcurrentTryAcquireSingleWinner(t *testing.T) {
	var g Guard
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.TryAcquire("flush"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestAcquireWaitsForHolder(t *testing.T) {
	var g Guard
	release, ok := g.TryAcquire("reconcile")
	require.True(t, ok)

	acquired := make(chan struct{})
	go func() {
		r, err := g.Acquire(context.Background(), "flush")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	var g Guard
	_, ok := g.TryAcquire("flush")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
