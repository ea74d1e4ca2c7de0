// Package attempt is the entry point for an exam client. A Session resumes
// whatever the device still holds for an attempt, keeps answers flowing to the
// server of record, runs the countdown, and submits exactly once.
package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/answerstore"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/envelope"
	"github.com/stemsi/exstem-sync/internal/inflight"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/offlinequeue"
	"github.com/stemsi/exstem-sync/internal/persistence"
	"github.com/stemsi/exstem-sync/internal/sessioncache"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stemsi/exstem-sync/internal/submission"
	"github.com/stemsi/exstem-sync/internal/timersync"
)

// ErrNotEditable is returned for edits after submission has begun.
var ErrNotEditable = errors.New("attempt is no longer editable")

// timeUpRetries bounds automatic resubmission after a failed time-up submit.
const timeUpRetries = 5

// Remote is the full attempt API. *remote.Client and *remote.Stream both
// satisfy it.
type Remote interface {
	persistence.Remote
	timersync.Remote
	submission.Remote
}

// Deps are the collaborators supplied by the embedding application.
type Deps struct {
	Config *config.Config
	Store  storage.Store
	Remote Remote
	// Secret seeds the cache key. Supplying the same secret across restarts
	// lets a reopened session read what the previous one stored; nil means
	// a fresh random secret and no cross-restart resume.
	Secret     []byte
	DeviceInfo model.DeviceInfo
	Logger     zerolog.Logger
}

// Session is one learner's live attempt.
type Session struct {
	attemptID uuid.UUID
	answers   *answerstore.Store
	queue     *offlinequeue.Queue
	cache     *sessioncache.Cache
	persist   *persistence.Coordinator
	timer     *timersync.Timer
	submit    *submission.Coordinator
	log       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open builds a Session for ac, resumes local tiers, initializes the timer
// and starts background sync.
func Open(ctx context.Context, deps Deps, ac model.AttemptContext) (*Session, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Load()
	}
	log := deps.Logger.With().Str("attempt_id", ac.AttemptID.String()).Logger()

	keys, err := envelope.NewSession(deps.Secret, strconv.Itoa(ac.StudentID), envelope.Options{
		Salt:       cfg.Cache.Salt,
		Iterations: cfg.Cache.KDFIterations,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	cipher, err := keys.Cipher()
	if err != nil {
		return nil, err
	}

	s := &Session{
		attemptID: ac.AttemptID,
		answers:   answerstore.New(),
		queue:     offlinequeue.New(ac.AttemptID, deps.Store, cipher, log),
		cache:     sessioncache.New(ac.AttemptID, deps.Store, cipher, log),
		log:       log.With().Str("component", "attempt").Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	resumed := s.resume(ctx)

	guard := &inflight.Guard{}
	s.persist = persistence.New(ac.AttemptID, s.answers, s.queue, s.cache, deps.Remote, guard,
		persistence.OptionsFromConfig(cfg.Sync, log))
	s.answers.OnChange(s.persist.OnAnswerChanged)

	s.submit = submission.New(ac, deps.Remote, s.persist, s.answers, submission.Options{
		Grace:      cfg.Sync.SubmitGrace,
		DeviceInfo: deps.DeviceInfo,
		Logger:     log,
	}, s.queue, s.cache)

	s.timer = timersync.New(deps.Remote, timersync.OptionsFromConfig(cfg.Timer, log))
	s.timer.OnExpire(s.onTimeUp)

	s.persist.Start(s.ctx)
	if err := s.timer.Initialize(ctx, ac.AttemptID); err != nil {
		s.Close()
		return nil, err
	}

	// Answers made on another device or before a reload without local
	// storage are only on the server.
	if n, err := s.persist.Reconcile(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Startup reconciliation incomplete")
	} else {
		resumed += n
	}

	if s.queue.Len() > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.persist.ReplayQueue(s.ctx); err != nil {
				s.log.Debug().Err(err).Msg("Startup replay incomplete")
			}
		}()
	}

	s.log.Info().Int("resumed", resumed).Dur("remaining", s.timer.Remaining()).Msg("Attempt session opened")
	return s, nil
}

// resume loads the queue and snapshot tiers into the answer store, newest
// value per question.
func (s *Session) resume(ctx context.Context) int {
	if _, err := s.queue.LoadFromDurableStorage(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Offline queue unavailable; starting empty")
	}
	cached, err := s.cache.Load(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Session snapshot unavailable; starting empty")
	}

	n := 0
	for _, rec := range cached {
		if s.answers.MergeNewer(rec) {
			n++
		}
	}
	for _, e := range s.queue.Drain() {
		if s.answers.MergeNewer(e.Record()) {
			n++
		}
	}
	return n
}

func (s *Session) editable() bool {
	return s.submit.Status() == model.AttemptInProgress
}

// Answer records the learner's answer for a question.
func (s *Session) Answer(questionID uuid.UUID, payload json.RawMessage) error {
	if !s.editable() {
		return ErrNotEditable
	}
	s.answers.SetAnswer(questionID, payload)
	return nil
}

// Get returns the current answer for a question.
func (s *Session) Get(questionID uuid.UUID) (model.AnswerRecord, bool) {
	return s.answers.GetAnswer(questionID)
}

// Navigate closes out the active question's time, makes questionID active,
// then flushes everything. The flush result tells the UI whether every
// answer reached the server.
func (s *Session) Navigate(ctx context.Context, questionID uuid.UUID) (persistence.FlushResult, error) {
	if !s.editable() {
		return persistence.FlushResult{}, ErrNotEditable
	}
	s.answers.Activate(questionID)
	res := s.persist.FlushWhenIdle(ctx)
	return res, res.Err
}

// Submit performs the learner-initiated terminal submission.
func (s *Session) Submit(ctx context.Context) (*model.SubmitResult, error) {
	res, err := s.submit.Submit(ctx, submission.TriggerManual)
	if err == nil {
		s.finish()
	}
	return res, err
}

func (s *Session) onTimeUp() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := time.Second
		for i := 0; i < timeUpRetries; i++ {
			_, err := s.submit.Submit(s.ctx, submission.TriggerTimeUp)
			switch {
			case err == nil:
				s.finish()
				return
			case errors.Is(err, submission.ErrAlreadySubmitted),
				errors.Is(err, submission.ErrSubmissionInFlight):
				return
			}
			s.log.Error().Err(err).Int("try", i+1).Msg("Time-up submission failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}()
}

// finish stops background sync once the attempt is submitted and drops the
// in-memory answers. The durable tiers were cleared by the submission.
func (s *Session) finish() {
	s.persist.Stop()
	s.timer.Stop()
	s.answers.Clear()
}

// SetOnline forwards a connectivity change from the host environment.
func (s *Session) SetOnline(online bool) { s.persist.SetOnline(online) }

// Remaining returns the time left on the countdown.
func (s *Session) Remaining() time.Duration { return s.timer.Remaining() }

// OnWarning registers a callback for countdown warning thresholds.
func (s *Session) OnWarning(fn func(threshold time.Duration)) { s.timer.OnWarning(fn) }

// Status returns the attempt lifecycle state.
func (s *Session) Status() model.AttemptStatus { return s.submit.Status() }

// Context returns the attempt context with the current local deadline.
func (s *Session) Context() model.AttemptContext {
	ac := s.submit.Context()
	ac.Deadline = s.timer.Deadline()
	return ac
}

// Result returns the submission result once submitted.
func (s *Session) Result() *model.SubmitResult { return s.submit.Result() }

// Close cancels every timer and background loop. Unsynced answers stay in
// durable storage for the next Open.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.timer.Stop()
		s.persist.Stop()
		s.wg.Wait()
		s.log.Info().Msg("Attempt session closed")
	})
}
