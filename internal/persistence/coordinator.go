// Package persistence moves answers from the in-memory store to the server of
// record. Every trigger (debounce timer, reconnect, replay interval, explicit
// flush) funnels into the same write path, and any write that does not land
// is parked in the offline queue.
package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/answerstore"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/inflight"
	"github.com/stemsi/exstem-sync/internal/metrics"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/offlinequeue"
	"github.com/stemsi/exstem-sync/internal/remote"
	"github.com/stemsi/exstem-sync/internal/sessioncache"
	"golang.org/x/time/rate"
)

// Guard holder kinds.
const (
	KindFlush     = "flush"
	KindReconcile = "reconcile"
	KindReplay    = "replay"
)

// Write triggers, used as metric labels.
const (
	triggerDebounce = "debounce"
	triggerReplay   = "replay"
	triggerFlush    = "flush"
)

// Remote is the subset of the attempt API the coordinator writes to.
type Remote interface {
	SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error
	ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error)
}

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	Debounce          time.Duration
	ReplayInterval    time.Duration
	ReconcileInterval time.Duration
	WriteTimeout      time.Duration
	WriteRate         int
	Logger            zerolog.Logger
}

// OptionsFromConfig maps the sync section of the app config.
func OptionsFromConfig(cfg config.SyncConfig, log zerolog.Logger) Options {
	return Options{
		Debounce:          cfg.Debounce,
		ReplayInterval:    cfg.ReplayInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		WriteTimeout:      cfg.WriteTimeout,
		WriteRate:         cfg.WriteRate,
		Logger:            log,
	}
}

func (o *Options) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = time.Second
	}
	if o.ReplayInterval <= 0 {
		o.ReplayInterval = 30 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.WriteRate <= 0 {
		o.WriteRate = 20
	}
}

// FlushResult reports the outcome of FlushAll per question.
type FlushResult struct {
	Succeeded []uuid.UUID
	Failed    map[uuid.UUID]error
	// Skipped is set when another flush was already running; that flush
	// covers all work known at the time of the call.
	Skipped bool
	// Err is set when the context ended before the flush could start.
	Err error
}

// OK reports whether the flush ran and every write landed.
func (r FlushResult) OK() bool {
	return !r.Skipped && r.Err == nil && len(r.Failed) == 0
}

type pendingWrite struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator owns the debounce table, the confirmed set, and the background
// replay and reconciliation loops for one attempt.
type Coordinator struct {
	attemptID uuid.UUID
	answers   *answerstore.Store
	queue     *offlinequeue.Queue
	cache     *sessioncache.Cache
	remote    Remote
	guard     *inflight.Guard
	limiter   *rate.Limiter
	opts      Options
	log       zerolog.Logger

	mu        sync.Mutex
	pending   map[uuid.UUID]pendingWrite
	gen       uint64
	confirmed map[uuid.UUID]time.Time
	online    bool
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires a coordinator. guard may be shared with other components that
// must not interleave with a flush; nil gets a private guard.
func New(
	attemptID uuid.UUID,
	answers *answerstore.Store,
	queue *offlinequeue.Queue,
	cache *sessioncache.Cache,
	rmt Remote,
	guard *inflight.Guard,
	opts Options,
) *Coordinator {
	opts.applyDefaults()
	if guard == nil {
		guard = &inflight.Guard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		attemptID: attemptID,
		answers:   answers,
		queue:     queue,
		cache:     cache,
		remote:    rmt,
		guard:     guard,
		limiter:   rate.NewLimiter(rate.Limit(opts.WriteRate), opts.WriteRate),
		opts:      opts,
		log: opts.Logger.With().
			Str("component", "persistence").
			Str("attempt_id", attemptID.String()).
			Logger(),
		pending:   make(map[uuid.UUID]pendingWrite),
		confirmed: make(map[uuid.UUID]time.Time),
		online:    true,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Guard returns the in-flight guard shared by flush and reconciliation.
func (c *Coordinator) Guard() *inflight.Guard { return c.guard }

// OnAnswerChanged is the AnswerStore listener. It refreshes the session
// snapshot and (re)schedules the debounced write for questionID.
func (c *Coordinator) OnAnswerChanged(questionID uuid.UUID) {
	rec, ok := c.answers.GetAnswer(questionID)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	if p, ok := c.pending[questionID]; ok {
		p.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.pending[questionID] = pendingWrite{
		timer: time.AfterFunc(c.opts.Debounce, func() { c.fire(questionID, gen) }),
		gen:   gen,
	}
	c.mu.Unlock()

	_ = c.cache.Save(ctx, map[uuid.UUID]model.AnswerRecord{questionID: rec})
}

// fire runs a debounced write unless it was superseded or cancelled.
func (c *Coordinator) fire(questionID uuid.UUID, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[questionID]
	if !ok || p.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.pending, questionID)
	online := c.online
	ctx := c.ctx
	// Stop waits for writes that already left the debounce table.
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	rec, ok := c.answers.GetAnswer(questionID)
	if !ok || !rec.HasAnswer() || c.isConfirmed(rec) {
		return
	}
	if !online {
		c.park(ctx, rec)
		return
	}
	entry, queued := c.queue.Pending(questionID)
	var ack *model.QueueEntry
	if queued {
		ack = &entry
	}
	_ = c.write(ctx, rec, ack, triggerDebounce)
}

// write sends rec and settles the result: on success the question is marked
// confirmed and ack (if any) pruned from the queue; on failure rec is parked.
func (c *Coordinator) write(ctx context.Context, rec model.AnswerRecord, ack *model.QueueEntry, trigger string) error {
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	err := c.remote.SaveAnswer(wctx, c.attemptID, model.SaveAnswerRequest{
		QuestionID:       rec.QuestionID,
		Answer:           rec.Answer,
		TimeSpentSeconds: rec.TimeSpentMs / 1000,
	})
	if err != nil {
		metrics.AnswerWrites.WithLabelValues(trigger, "failed").Inc()
		c.log.Warn().Err(err).
			Str("question_id", rec.QuestionID.String()).
			Str("trigger", trigger).
			Msg("Answer write failed; parking in offline queue")
		if remote.IsTransient(err) {
			c.setOffline()
		}
		c.park(ctx, rec)
		return err
	}

	metrics.AnswerWrites.WithLabelValues(trigger, "ok").Inc()
	c.markConfirmed(rec)
	if ack != nil && !ack.MutatedAt.After(rec.LastMutatedAt) {
		c.queue.Acknowledge(context.WithoutCancel(ctx), rec.QuestionID, ack.EnqueuedAt)
	}
	return nil
}

// park queues rec unless it is confirmed or already queued. The
// durable write outlives ctx so a cancelled write is still recoverable.
func (c *Coordinator) park(ctx context.Context, rec model.AnswerRecord) {
	ctx = context.WithoutCancel(ctx)
	if c.isConfirmed(rec) {
		return
	}
	if e, ok := c.queue.Pending(rec.QuestionID); ok && !rec.LastMutatedAt.After(e.MutatedAt) {
		return
	}
	c.queue.Enqueue(ctx, rec.QuestionID, rec.Answer, rec.TimeSpentMs, rec.LastMutatedAt)
}

func (c *Coordinator) markConfirmed(rec model.AnswerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.confirmed[rec.QuestionID]; !ok || rec.LastMutatedAt.After(cur) {
		c.confirmed[rec.QuestionID] = rec.LastMutatedAt
	}
}

func (c *Coordinator) isConfirmed(rec model.AnswerRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.confirmed[rec.QuestionID]
	return ok && !rec.LastMutatedAt.After(at)
}

// Confirmed returns a copy of the server-confirmed set: question id to the
// mutation time of the last value the server acknowledged.
func (c *Coordinator) Confirmed() map[uuid.UUID]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]time.Time, len(c.confirmed))
	for k, v := range c.confirmed {
		out[k] = v
	}
	return out
}

// Online reports the coordinator's view of connectivity.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a connectivity change. Going from offline to online
// replays the offline queue in the background.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online
	replay := online && !wasOnline && c.started && !c.stopped
	ctx := c.ctx
	if replay {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if !replay {
		return
	}
	c.log.Info().Msg("Back online; replaying offline queue")
	go func() {
		defer c.wg.Done()
		if _, err := c.ReplayQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("Replay after reconnect failed")
		}
	}()
}

func (c *Coordinator) setOffline() {
	c.mu.Lock()
	was := c.online
	c.online = false
	c.mu.Unlock()
	if was {
		c.log.Info().Msg("Server unreachable; switching to offline mode")
	}
}

func (c *Coordinator) setOnlineQuiet() {
	c.mu.Lock()
	c.online = true
	c.mu.Unlock()
}

// Start launches the replay and reconciliation loops. The loops stop when
// ctx ends or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	parent := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			c.cancel()
		case <-parent.Done():
		}
	}()

	c.wg.Add(1)
	go c.loop(parent)
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	replay := time.NewTicker(c.opts.ReplayInterval)
	defer replay.Stop()
	reconcile := time.NewTicker(c.opts.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-replay.C:
			if c.queue.Len() == 0 {
				continue
			}
			if _, err := c.ReplayQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Debug().Err(err).Msg("Periodic replay incomplete")
			}
		case <-reconcile.C:
			if !c.Online() {
				continue
			}
			if _, err := c.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn().Err(err).Msg("Periodic reconciliation failed")
			}
		}
	}
}

// Stop cancels every pending debounce timer and background loop and waits for
// them to exit. Pending writes stay recoverable from the queue and snapshot.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for qid, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, qid)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// cancelDebounces stops every pending timer and returns the questions that
// had a write scheduled.
func (c *Coordinator) cancelDebounces() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.pending))
	for qid, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, qid)
		out = append(out, qid)
	}
	return out
}
