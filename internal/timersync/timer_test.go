package timersync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRemote struct {
	mu        sync.Mutex
	remaining time.Duration
	err       error
}

func (f *fakeRemote) RemainingTime(context.Context, uuid.UUID) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining, f.err
}

func (f *fakeRemote) set(d time.Duration) {
	f.mu.Lock()
	f.remaining = d
	f.mu.Unlock()
}

func newTestTimer(t *testing.T, rmt Remote, warnings ...time.Duration) (*Timer, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	tm := New(rmt, Options{
		Tick:            time.Hour,
		ResyncInterval:  time.Hour,
		NominalDuration: 90 * time.Minute,
		Warnings:        warnings,
		Logger:          zerolog.Nop(),
	})
	tm.now = clock.Now
	t.Cleanup(tm.Stop)
	return tm, clock
}

func TestInitializeUsesServerTime(t *testing.T) {
	tm, _ := newTestTimer(t, &fakeRemote{remaining: 10 * time.Minute})
	require.NoError(t, tm.Initialize(context.Background(), uuid.New()))
	assert.Equal(t, 10*time.Minute, tm.Remaining())
	assert.ErrorIs(t, tm.Initialize(context.Background(), uuid.New()), ErrAlreadyInitialized)
}

func TestInitializeFallsBackToNominal(t *testing.T) {
	tm, _ := newTestTimer(t, &fakeRemote{err: errors.New("offline")})
	require.NoError(t, tm.Initialize(context.Background(), uuid.New()))
	assert.Equal(t, 90*time.Minute, tm.Remaining())
}

func TestResyncOnlyCorrectsDownward(t *testing.T) {
	ctx := context.Background()
	rmt := &fakeRemote{remaining: 10 * time.Minute}
	tm, clock := newTestTimer(t, rmt)
	require.NoError(t, tm.Initialize(ctx, uuid.New()))

	clock.Advance(time.Minute)
	rmt.set(5 * time.Minute)
	tm.resync(ctx)
	assert.Equal(t, 5*time.Minute, tm.Remaining())

	// A server reporting more time than we have is ignored.
	rmt.set(20 * time.Minute)
	tm.resync(ctx)
	assert.Equal(t, 5*time.Minute, tm.Remaining())

	clock.Advance(time.Minute)
	assert.Equal(t, 4*time.Minute, tm.Remaining())
}

func TestExpiryFiresOnce(t *testing.T) {
	ctx := context.Background()
	rmt := &fakeRemote{remaining: time.Minute}
	tm, clock := newTestTimer(t, rmt)

	var fired int
	tm.OnExpire(func() { fired++ })
	require.NoError(t, tm.Initialize(ctx, uuid.New()))

	rmt.set(0)
	tm.resync(ctx)
	tm.resync(ctx)
	clock.Advance(time.Hour)
	tm.check()
	tm.Reset(0)

	assert.Equal(t, 1, fired)
	assert.True(t, tm.Expired())
	assert.Zero(t, tm.Remaining())
}

func TestWarningsFireOncePerThreshold(t *testing.T) {
	ctx := context.Background()
	tm, clock := newTestTimer(t, &fakeRemote{remaining: 6 * time.Minute},
		30*time.Second, 5*time.Minute, time.Minute)

	var got []time.Duration
	tm.OnWarning(func(th time.Duration) { got = append(got, th) })
	require.NoError(t, tm.Initialize(ctx, uuid.New()))
	assert.Empty(t, got)

	clock.Advance(time.Minute + time.Second)
	tm.check()
	tm.check()
	assert.Equal(t, []time.Duration{5 * time.Minute}, got)

	// Jumping past two thresholds announces both, largest first.
	clock.Advance(4*time.Minute + 40*time.Second)
	tm.check()
	assert.Equal(t, []time.Duration{5 * time.Minute, time.Minute, 30 * time.Second}, got)
}

func TestThresholdsPassedBeforeStartAreSilent(t *testing.T) {
	tm, _ := newTestTimer(t, &fakeRemote{remaining: 45 * time.Second}, 5*time.Minute, time.Minute, 30*time.Second)

	var got []time.Duration
	tm.OnWarning(func(th time.Duration) { got = append(got, th) })
	require.NoError(t, tm.Initialize(context.Background(), uuid.New()))
	assert.Empty(t, got)
}

func TestResetRearmsLowerThresholds(t *testing.T) {
	tm, clock := newTestTimer(t, &fakeRemote{remaining: 2 * time.Minute}, time.Minute)

	var got int
	tm.OnWarning(func(time.Duration) { got++ })
	require.NoError(t, tm.Initialize(context.Background(), uuid.New()))

	clock.Advance(70 * time.Second)
	tm.check()
	require.Equal(t, 1, got)

	tm.Reset(3 * time.Minute)
	clock.Advance(2*time.Minute + time.Second)
	tm.check()
	assert.Equal(t, 2, got)
}

func TestFirstResyncReplacesNominalDeadline(t *testing.T) {
	ctx := context.Background()
	rmt := &fakeRemote{err: errors.New("offline")}
	tm, clock := newTestTimer(t, rmt)
	require.NoError(t, tm.Initialize(ctx, uuid.New()))
	require.Equal(t, 90*time.Minute, tm.Remaining())

	// A failed resync keeps the guess in place.
	tm.resync(ctx)
	assert.Equal(t, 90*time.Minute, tm.Remaining())

	rmt.mu.Lock()
	rmt.err = nil
	rmt.remaining = 2 * time.Hour
	rmt.mu.Unlock()
	clock.Advance(time.Minute)
	tm.resync(ctx)
	assert.Equal(t, 2*time.Hour, tm.Remaining())

	// After the server has answered, only downward corrections apply.
	rmt.set(3 * time.Hour)
	tm.resync(ctx)
	assert.Equal(t, 2*time.Hour, tm.Remaining())

	rmt.set(time.Hour)
	tm.resync(ctx)
	assert.Equal(t, time.Hour, tm.Remaining())
	assert.False(t, tm.Expired())
}
