// Package submission turns a submit click or a time-up event into exactly one
// terminal submission, without losing any locally held answer.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/metrics"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/persistence"
)

var (
	// ErrSubmissionInFlight is returned to a trigger that arrives while a
	// submission is flushing or waiting on the server.
	ErrSubmissionInFlight = errors.New("submission already in progress")
	// ErrAlreadySubmitted is returned once the attempt is submitted. The
	// stored result is returned alongside it.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
)

// Triggers.
const (
	TriggerManual = "manual"
	TriggerTimeUp = "time_up"
)

// Remote is the submit endpoint.
type Remote interface {
	Submit(ctx context.Context, attemptID uuid.UUID, req model.SubmitRequest) (*model.SubmitResult, error)
}

// Persistence is what submission needs from the persistence coordinator.
type Persistence interface {
	FlushWhenIdle(ctx context.Context) persistence.FlushResult
	Snapshot(ctx context.Context) map[uuid.UUID]model.AnswerRecord
	CollectUnconfirmed(ctx context.Context) []model.AnswerRecord
	Confirmed() map[uuid.UUID]time.Time
}

// TimeTracker closes out the active question's elapsed time.
type TimeTracker interface {
	FlushActiveTime()
}

// Clearer is a durable per-attempt tier removed after a confirmed submission.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	// Grace bounds the pre-submit flush.
	Grace      time.Duration
	DeviceInfo model.DeviceInfo
	Logger     zerolog.Logger
}

// Coordinator runs the submission state machine
// in_progress → flushing → submitting → submitted.
type Coordinator struct {
	remote   Remote
	persist  Persistence
	tracker  TimeTracker
	clearers []Clearer
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	attempt  model.AttemptContext
	inFlight bool
	result   *model.SubmitResult
}

// New creates a coordinator for attempt.
func New(attempt model.AttemptContext, rmt Remote, persist Persistence, tracker TimeTracker, opts Options, clearers ...Clearer) *Coordinator {
	if opts.Grace <= 0 {
		opts.Grace = time.Second
	}
	if attempt.Status == "" {
		attempt.Status = model.AttemptInProgress
	}
	return &Coordinator{
		remote:   rmt,
		persist:  persist,
		tracker:  tracker,
		clearers: clearers,
		opts:     opts,
		log: opts.Logger.With().
			Str("component", "submission").
			Str("attempt_id", attempt.AttemptID.String()).
			Logger(),
		attempt: attempt,
	}
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() model.AttemptStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt.Status
}

// Context returns a copy of the attempt context.
func (c *Coordinator) Context() model.AttemptContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Result returns the server's result once submitted.
func (c *Coordinator) Result() *model.SubmitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Submit flushes every local answer and calls the submit endpoint once. A
// failed submission leaves the attempt in submitting with all local data kept,
// and may be retried.
func (c *Coordinator) Submit(ctx context.Context, trigger string) (*model.SubmitResult, error) {
	c.mu.Lock()
	switch {
	case c.attempt.Status == model.AttemptSubmitted:
		res := c.result
		c.mu.Unlock()
		return res, ErrAlreadySubmitted
	case c.inFlight:
		c.mu.Unlock()
		metrics.Submissions.WithLabelValues(trigger, "rejected").Inc()
		return nil, ErrSubmissionInFlight
	}
	c.inFlight = true
	c.attempt.Status = model.AttemptFlushing
	attemptID := c.attempt.AttemptID
	c.mu.Unlock()

	log := c.log.With().Str("trigger", trigger).Logger()
	log.Info().Msg("Submission started")

	// 1. Close out the active question's time.
	c.tracker.FlushActiveTime()

	// 2. Flush within the grace window; a stalled network must not block
	// the terminal submission.
	gctx, cancel := context.WithTimeout(ctx, c.opts.Grace)
	flush := c.persist.FlushWhenIdle(gctx)
	cancel()
	if !flush.OK() {
		log.Warn().
			Int("failed", len(flush.Failed)).
			AnErr("flush_err", flush.Err).
			Msg("Pre-submit flush incomplete; local snapshot will carry the answers")
	}

	// 3. Last scan of every tier for writes that landed after the flush.
	snapshot := c.persist.Snapshot(ctx)
	if pending := c.persist.CollectUnconfirmed(ctx); len(pending) > 0 {
		log.Info().Int("unconfirmed", len(pending)).Msg("Submitting with unconfirmed answers")
	}

	c.setStatus(model.AttemptSubmitting)

	// 4. One call to the submit endpoint.
	req := c.buildRequest(snapshot, trigger)
	result, err := c.remote.Submit(ctx, attemptID, req)
	if err != nil {
		// 6. Keep everything for a retry.
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		metrics.Submissions.WithLabelValues(trigger, "failed").Inc()
		log.Error().Err(err).Msg("Submission failed; local answers retained")
		return nil, fmt.Errorf("submit attempt: %w", err)
	}

	// 5. Only a confirmed submission clears durable state.
	for _, cl := range c.clearers {
		if err := cl.Clear(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to clear local attempt storage")
		}
	}

	c.mu.Lock()
	c.inFlight = false
	c.attempt.Status = model.AttemptSubmitted
	c.result = result
	c.mu.Unlock()

	metrics.Submissions.WithLabelValues(trigger, "ok").Inc()
	log.Info().Int("answers", len(req.Answers)).Msg("Attempt submitted")
	return result, nil
}

func (c *Coordinator) setStatus(s model.AttemptStatus) {
	c.mu.Lock()
	c.attempt.Status = s
	c.mu.Unlock()
}

// buildRequest carries the full local snapshot plus the questions whose
// latest value the server already acknowledged.
func (c *Coordinator) buildRequest(snapshot map[uuid.UUID]model.AnswerRecord, trigger string) model.SubmitRequest {
	confirmed := c.persist.Confirmed()

	req := model.SubmitRequest{
		DeviceInfo: c.opts.DeviceInfo,
		Answers:    make([]model.SubmittedAnswer, 0, len(snapshot)),
		TimeSpent:  make(map[string]int64, len(snapshot)),
		Trigger:    trigger,
	}
	for qid, rec := range snapshot {
		req.TimeSpent[qid.String()] = rec.TimeSpentMs / 1000
		if !rec.HasAnswer() {
			continue
		}
		req.Answers = append(req.Answers, model.SubmittedAnswer{
			QuestionID:       qid,
			Answer:           rec.Answer,
			TimeSpentSeconds: rec.TimeSpentMs / 1000,
			LastMutatedAt:    rec.LastMutatedAt,
		})
		if at, ok := confirmed[qid]; ok && !rec.LastMutatedAt.After(at) {
			req.Confirmed = append(req.Confirmed, qid)
		}
	}
	sort.Slice(req.Answers, func(i, j int) bool {
		return req.Answers[i].QuestionID.String() < req.Answers[j].QuestionID.String()
	})
	sort.Slice(req.Confirmed, func(i, j int) bool {
		return req.Confirmed[i].String() < req.Confirmed[j].String()
	})
	return req
}
