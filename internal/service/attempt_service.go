package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
)

var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrNotAttemptOwner  = errors.New("attempt belongs to another student")
	ErrAttemptSubmitted = errors.New("attempt already submitted")
	ErrAttemptExpired   = errors.New("attempt time has run out")
	ErrSubmitInProgress = errors.New("submission already in progress")
)

const (
	submitLockTTL     = 30 * time.Second
	submittedCacheTTL = time.Hour
)

// AttemptRepository is the attempt table as seen by AttemptService.
type AttemptRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time, accepted int, trigger string) (bool, error)
}

// AnswerRepository is the answer table as seen by AttemptService.
type AnswerRepository interface {
	UpsertBatch(ctx context.Context, attemptID uuid.UUID, answers []model.ServerAnswer) error
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error)
}

// AnswerCache is the Redis hot path as seen by AttemptService.
type AnswerCache interface {
	Put(ctx context.Context, attemptID uuid.UUID, a model.ServerAnswer) (bool, error)
	All(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error)
	Attempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, bool, error)
	SetAttempt(ctx context.Context, a *model.Attempt) error
	AcquireSubmitLock(ctx context.Context, attemptID uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseSubmitLock(ctx context.Context, attemptID uuid.UUID) error
	Expire(ctx context.Context, attemptID uuid.UUID, ttl time.Duration) error
}

// AttemptService is the server of record for attempts: autosave, remaining
// time, answer listing and the idempotent submit.
type AttemptService struct {
	attempts AttemptRepository
	answers  AnswerRepository
	cache    AnswerCache
	grace    time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewAttemptService creates a new AttemptService. Saves are accepted until
// the deadline plus grace.
func NewAttemptService(attempts AttemptRepository, answers AnswerRepository, cache AnswerCache, grace time.Duration, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		answers:  answers,
		cache:    cache,
		grace:    grace,
		log:      log.With().Str("component", "attempt_service").Logger(),
		now:      time.Now,
	}
}

// GetAttempt loads an attempt owned by studentID, preferring the cache.
func (s *AttemptService) GetAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.Attempt, error) {
	a, ok, err := s.cache.Attempt(ctx, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Attempt cache read failed")
	}
	if !ok {
		a, err = s.load(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetAttempt(ctx, a); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Attempt cache write failed")
		}
	}

	if a.StudentID != studentID {
		return nil, ErrNotAttemptOwner
	}
	return a, nil
}

func (s *AttemptService) load(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := s.attempts.GetByID(ctx, attemptID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// RemainingTime returns how long the attempt has left, never negative.
func (s *AttemptService) RemainingTime(ctx context.Context, attemptID uuid.UUID, studentID int) (time.Duration, error) {
	a, err := s.GetAttempt(ctx, attemptID, studentID)
	if err != nil {
		return 0, err
	}
	if a.SubmittedAt != nil {
		return 0, nil
	}
	rem := a.Deadline().Sub(s.now())
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// SaveAnswer records one autosave. Repeating a save is harmless: the newest
// write per question wins.
func (s *AttemptService) SaveAnswer(ctx context.Context, attemptID uuid.UUID, studentID int, req model.SaveAnswerRequest) (*model.ServerAnswer, error) {
	a, err := s.GetAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if a.SubmittedAt != nil {
		return nil, ErrAttemptSubmitted
	}
	now := s.now()
	if now.After(a.Deadline().Add(s.grace)) {
		return nil, ErrAttemptExpired
	}

	answer := model.ServerAnswer{
		QuestionID:       req.QuestionID,
		Answer:           req.Answer,
		TimeSpentSeconds: req.TimeSpentSeconds,
		UpdatedAt:        now,
	}
	if _, err := s.cache.Put(ctx, attemptID, answer); err != nil {
		return nil, fmt.Errorf("cache answer: %w", err)
	}
	return &answer, nil
}

// ListAnswers returns every answer the server holds for the attempt, merging
// the persisted rows with writes still waiting in the cache.
func (s *AttemptService) ListAnswers(ctx context.Context, attemptID uuid.UUID, studentID int) ([]model.ServerAnswer, error) {
	if _, err := s.GetAttempt(ctx, attemptID, studentID); err != nil {
		return nil, err
	}
	return s.currentAnswers(ctx, attemptID)
}

func (s *AttemptService) currentAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error) {
	stored, err := s.answers.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	cached, err := s.cache.All(ctx, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Answer cache read failed, using database only")
		cached = nil
	}

	merged := make(map[uuid.UUID]model.ServerAnswer, len(stored)+len(cached))
	for _, group := range [][]model.ServerAnswer{stored, cached} {
		for _, a := range group {
			if cur, ok := merged[a.QuestionID]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
				continue
			}
			merged[a.QuestionID] = a
		}
	}
	return sortAnswers(merged), nil
}

// Submit finalizes the attempt with the client's snapshot. A second call
// returns the stored result without touching any data.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, studentID int, req model.SubmitRequest) (*model.SubmitResult, error) {
	a, err := s.load(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.StudentID != studentID {
		return nil, ErrNotAttemptOwner
	}
	if res := a.Result(); res != nil {
		return res, nil
	}

	locked, err := s.cache.AcquireSubmitLock(ctx, attemptID, submitLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !locked {
		return nil, ErrSubmitInProgress
	}
	defer func() {
		if err := s.cache.ReleaseSubmitLock(context.WithoutCancel(ctx), attemptID); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Release submit lock failed")
		}
	}()

	// The previous holder may have finished between the first read and the lock.
	if a, err = s.load(ctx, attemptID); err != nil {
		return nil, err
	}
	if res := a.Result(); res != nil {
		return res, nil
	}

	current, err := s.currentAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	final := mergeSnapshot(current, req, s.now())

	s.reportUnconfirmed(attemptID, current, req.Confirmed)

	if err := s.answers.UpsertBatch(ctx, attemptID, final); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	at := s.now().UTC().Truncate(time.Microsecond)
	ok, err := s.attempts.MarkSubmitted(ctx, attemptID, at, len(final), req.Trigger)
	if err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	if !ok {
		stored, err := s.load(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		return stored.Result(), nil
	}

	a.SubmittedAt = &at
	a.Status = model.AttemptSubmitted
	a.AnswersAccepted = len(final)
	if err := s.cache.SetAttempt(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Attempt cache write failed")
	}
	if err := s.cache.Expire(ctx, attemptID, submittedCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Answer cache expire failed")
	}

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("student_id", studentID).
		Int("answers", len(final)).
		Str("trigger", req.Trigger).
		Msg("Attempt submitted")

	return a.Result(), nil
}

// reportUnconfirmed logs questions the client saw acknowledged that the
// server no longer holds. The snapshot restores them.
func (s *AttemptService) reportUnconfirmed(attemptID uuid.UUID, current []model.ServerAnswer, confirmed []uuid.UUID) {
	held := make(map[uuid.UUID]struct{}, len(current))
	for _, a := range current {
		held[a.QuestionID] = struct{}{}
	}
	for _, qid := range confirmed {
		if _, ok := held[qid]; !ok {
			s.log.Warn().
				Str("attempt_id", attemptID.String()).
				Str("question_id", qid.String()).
				Msg("Confirmed answer missing on server, restoring from snapshot")
		}
	}
}

// mergeSnapshot folds the client's submitted answers over what the server
// already holds. The device is the only writer of an attempt and its snapshot
// carries the newest local value per question, so a snapshot answer always
// replaces the server's. Server timestamps and client timestamps come from
// different clocks and are never compared. Snapshot rows are stamped now so
// the newest-wins upsert keeps them over late worker writes.
func mergeSnapshot(current []model.ServerAnswer, req model.SubmitRequest, now time.Time) []model.ServerAnswer {
	merged := make(map[uuid.UUID]model.ServerAnswer, len(current)+len(req.Answers))
	for _, a := range current {
		merged[a.QuestionID] = a
	}

	for _, sa := range req.Answers {
		if len(sa.Answer) == 0 || string(sa.Answer) == "null" {
			continue
		}
		merged[sa.QuestionID] = model.ServerAnswer{
			QuestionID:       sa.QuestionID,
			Answer:           sa.Answer,
			TimeSpentSeconds: sa.TimeSpentSeconds,
			UpdatedAt:        now,
		}
	}

	for qid, a := range merged {
		if spent, ok := req.TimeSpent[qid.String()]; ok && spent > a.TimeSpentSeconds {
			a.TimeSpentSeconds = spent
			merged[qid] = a
		}
	}
	return sortAnswers(merged)
}

func sortAnswers(m map[uuid.UUID]model.ServerAnswer) []model.ServerAnswer {
	out := make([]model.ServerAnswer, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuestionID.String() < out[j].QuestionID.String()
	})
	return out
}
