// Package timersync keeps the attempt countdown anchored to the server's
// deadline. The local clock only ticks the countdown; it never extends it.
package timersync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/metrics"
)

// ErrAlreadyInitialized is returned by a second Initialize.
var ErrAlreadyInitialized = errors.New("timer already initialized")

// driftTolerance is the smallest downward correction a resync applies.
const driftTolerance = 500 * time.Millisecond

// Remote supplies the authoritative remaining time.
type Remote interface {
	RemainingTime(ctx context.Context, attemptID uuid.UUID) (time.Duration, error)
}

// Options tunes the countdown.
type Options struct {
	Tick            time.Duration
	ResyncInterval  time.Duration
	NominalDuration time.Duration
	FetchTimeout    time.Duration
	Warnings        []time.Duration
	Logger          zerolog.Logger
}

// OptionsFromConfig maps the timer section of the app config.
func OptionsFromConfig(cfg config.TimerConfig, log zerolog.Logger) Options {
	return Options{
		Tick:            cfg.Tick,
		ResyncInterval:  cfg.ResyncInterval,
		NominalDuration: cfg.NominalDuration,
		Warnings:        cfg.Warnings,
		Logger:          log,
	}
}

// Timer is the countdown for one attempt.
type Timer struct {
	remote Remote
	opts   Options
	log    zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	attemptID   uuid.UUID
	deadline    time.Time
	initialized bool
	expired     bool
	// estimated is set while the deadline comes from the nominal duration.
	// The first successful resync replaces it in either direction.
	estimated bool
	// warned holds thresholds in descending order with their fired flag.
	warned    []threshold
	onExpire  []func()
	onWarning []func(time.Duration)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type threshold struct {
	at    time.Duration
	fired bool
}

// New creates an uninitialized timer.
func New(rmt Remote, opts Options) *Timer {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 30 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	ws := append([]time.Duration(nil), opts.Warnings...)
	sort.Slice(ws, func(i, j int) bool { return ws[i] > ws[j] })
	warned := make([]threshold, 0, len(ws))
	for _, w := range ws {
		warned = append(warned, threshold{at: w})
	}
	return &Timer{
		remote: rmt,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "timer").Logger(),
		now:    time.Now,
		warned: warned,
	}
}

// OnExpire registers a callback fired exactly once when time runs out.
func (t *Timer) OnExpire(fn func()) {
	t.mu.Lock()
	t.onExpire = append(t.onExpire, fn)
	t.mu.Unlock()
}

// OnWarning registers a callback fired once per configured threshold as the
// countdown crosses it.
func (t *Timer) OnWarning(fn func(threshold time.Duration)) {
	t.mu.Lock()
	t.onWarning = append(t.onWarning, fn)
	t.mu.Unlock()
}

// Initialize fetches the authoritative remaining time, falling back to the
// nominal duration when the server cannot be reached, and starts the
// countdown. Thresholds already below the starting time are not announced.
func (t *Timer) Initialize(ctx context.Context, attemptID uuid.UUID) error {
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return ErrAlreadyInitialized
	}
	t.initialized = true
	t.attemptID = attemptID
	t.mu.Unlock()

	t.log = t.log.With().Str("attempt_id", attemptID.String()).Logger()

	remaining, err := t.fetch(ctx)
	if err != nil {
		remaining = t.opts.NominalDuration
		t.log.Warn().Err(err).Dur("nominal", remaining).Msg("Remaining time unavailable; using nominal duration")
	}

	t.mu.Lock()
	t.deadline = t.now().Add(remaining)
	t.estimated = err != nil
	for i := range t.warned {
		if t.warned[i].at >= remaining {
			t.warned[i].fired = true
		}
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(loopCtx)

	t.check()
	return nil
}

// Remaining returns the time left, never negative.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

// Deadline returns the current local deadline.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Expired reports whether the expiry callback has fired.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Reset sets the remaining time explicitly. Warning thresholds below the new
// value are re-armed. Expiry stays one-shot.
func (t *Timer) Reset(remaining time.Duration) {
	t.mu.Lock()
	t.deadline = t.now().Add(remaining)
	for i := range t.warned {
		t.warned[i].fired = t.warned[i].at >= remaining
	}
	t.mu.Unlock()

	t.check()
}

// Stop halts the countdown and resync loops.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *Timer) loop(ctx context.Context) {
	defer t.wg.Done()

	tick := time.NewTicker(t.opts.Tick)
	defer tick.Stop()
	resync := time.NewTicker(t.opts.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if t.check() {
				return
			}
		case <-resync.C:
			t.resync(ctx)
			if t.Expired() {
				return
			}
		}
	}
}

// resync pulls the server's remaining time and moves the deadline down when
// the server reports less time than the local countdown. A deadline guessed
// from the nominal duration is replaced outright by the first answer.
func (t *Timer) resync(ctx context.Context) {
	remaining, err := t.fetch(ctx)
	if err != nil {
		t.log.Debug().Err(err).Msg("Resync failed; keeping local countdown")
		return
	}

	t.mu.Lock()
	serverDeadline := t.now().Add(remaining)
	drift := t.deadline.Sub(serverDeadline)
	var corrected bool
	if t.estimated {
		t.estimated = false
		corrected = drift >= driftTolerance || drift <= -driftTolerance
		if corrected && !t.expired {
			for i := range t.warned {
				t.warned[i].fired = t.warned[i].at >= remaining
			}
		}
	} else {
		corrected = drift >= driftTolerance
	}
	if corrected {
		t.log.Info().
			Dur("local", t.remainingLocked()).
			Dur("server", remaining).
			Msg("Countdown corrected from server")
		t.deadline = serverDeadline
	}
	t.mu.Unlock()

	if corrected {
		metrics.TimerCorrections.Inc()
	}
	t.check()
}

func (t *Timer) fetch(ctx context.Context) (time.Duration, error) {
	if t.remote == nil {
		return 0, errors.New("no remote configured")
	}
	fctx, cancel := context.WithTimeout(ctx, t.opts.FetchTimeout)
	defer cancel()
	return t.remote.RemainingTime(fctx, t.attemptID)
}

// check fires crossed warnings, then expiry, outside the lock. Reports
// whether the countdown has expired.
func (t *Timer) check() bool {
	t.mu.Lock()
	remaining := t.remainingLocked()

	var crossed []time.Duration
	for i := range t.warned {
		if !t.warned[i].fired && remaining <= t.warned[i].at {
			t.warned[i].fired = true
			crossed = append(crossed, t.warned[i].at)
		}
	}
	var expire []func()
	if remaining <= 0 && !t.expired {
		t.expired = true
		expire = append(expire, t.onExpire...)
	}
	warn := append([]func(time.Duration){}, t.onWarning...)
	expired := t.expired
	t.mu.Unlock()

	for _, th := range crossed {
		for _, fn := range warn {
			fn(th)
		}
	}
	if len(expire) > 0 {
		t.log.Info().Msg("Time is up")
		for _, fn := range expire {
			fn()
		}
	}
	return expired
}

func (t *Timer) remainingLocked() time.Duration {
	if t.deadline.IsZero() {
		return t.opts.NominalDuration
	}
	d := t.deadline.Sub(t.now())
	if d < 0 {
		return 0
	}
	return d
}
