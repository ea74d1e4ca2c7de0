// Package answerstore holds the live answer map of the active attempt. It is
// the single source of truth for what the learner currently sees; setters
// never block on I/O and only notify a listener that persistence is due.
package answerstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/model"
)

// ChangeFunc is notified after every mutation, outside the store lock.
type ChangeFunc func(questionID uuid.UUID)

// Store is the canonical in-memory answer map.
type Store struct {
	mu      sync.RWMutex
	answers map[uuid.UUID]model.AnswerRecord

	active      uuid.UUID
	activeSince time.Time

	onChange ChangeFunc
	now      func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		answers: make(map[uuid.UUID]model.AnswerRecord),
		now:     time.Now,
	}
}

// OnChange registers the persistence listener.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetAnswer records the learner's answer. It always succeeds.
func (s *Store) SetAnswer(questionID uuid.UUID, payload json.RawMessage) {
	s.mu.Lock()
	rec := s.answers[questionID]
	rec.QuestionID = questionID
	rec.Answer = append(json.RawMessage(nil), payload...)
	rec.LastMutatedAt = s.stamp(rec.LastMutatedAt)
	rec.Origin = model.OriginInMemory
	s.answers[questionID] = rec
	fn := s.onChange
	s.mu.Unlock()

	notify(fn, questionID)
}

// GetAnswer returns the record for a question.
func (s *Store) GetAnswer(questionID uuid.UUID) (model.AnswerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.answers[questionID]
	return rec, ok
}

// AccumulateTimeSpent adds delta to the question's time spent.
func (s *Store) AccumulateTimeSpent(questionID uuid.UUID, delta time.Duration) {
	if delta <= 0 {
		return
	}
	s.mu.Lock()
	s.accumulateLocked(questionID, delta)
	fn := s.onChange
	s.mu.Unlock()

	notify(fn, questionID)
}

// Activate makes questionID the active question. Elapsed time of the
// previously active question is accumulated before the switch returns.
func (s *Store) Activate(questionID uuid.UUID) {
	s.mu.Lock()
	prev, delta := s.closeActiveLocked()
	s.active = questionID
	s.activeSince = s.now()
	fn := s.onChange
	s.mu.Unlock()

	if delta > 0 {
		notify(fn, prev)
	}
}

// FlushActiveTime accumulates the active question's elapsed time and restarts
// its clock. Called before any navigation or submission completes.
func (s *Store) FlushActiveTime() {
	s.mu.Lock()
	prev, delta := s.closeActiveLocked()
	if prev != uuid.Nil {
		s.active = prev
		s.activeSince = s.now()
	}
	fn := s.onChange
	s.mu.Unlock()

	if delta > 0 {
		notify(fn, prev)
	}
}

// ActiveQuestion returns the active question, or uuid.Nil.
func (s *Store) ActiveQuestion() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Snapshot returns a copy of every record.
func (s *Store) Snapshot() map[uuid.UUID]model.AnswerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]model.AnswerRecord, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// MergeFromServer takes the server's answer for a question the learner has
// not answered locally. A local record holding only time spent keeps the
// larger time and gains the server's answer. The merged record is returned
// when it was taken.
func (s *Store) MergeFromServer(rec model.AnswerRecord) (model.AnswerRecord, bool) {
	if !rec.HasAnswer() {
		return model.AnswerRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.answers[rec.QuestionID]
	if ok {
		if cur.HasAnswer() {
			return model.AnswerRecord{}, false
		}
		if cur.TimeSpentMs > rec.TimeSpentMs {
			rec.TimeSpentMs = cur.TimeSpentMs
		}
		if cur.LastMutatedAt.After(rec.LastMutatedAt) {
			rec.LastMutatedAt = cur.LastMutatedAt
		}
	}
	rec.Origin = model.OriginReconciledFromServer
	s.answers[rec.QuestionID] = rec
	return rec, true
}

// MergeNewer replaces the local record when rec was mutated later. Used when
// resuming from durable tiers.
func (s *Store) MergeNewer(rec model.AnswerRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.answers[rec.QuestionID]; ok && !model.Newer(rec, cur) {
		return false
	}
	s.answers[rec.QuestionID] = rec
	return true
}

// Clear drops every record. Used on attempt teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.answers = make(map[uuid.UUID]model.AnswerRecord)
	s.active = uuid.Nil
	s.mu.Unlock()
}

func (s *Store) closeActiveLocked() (uuid.UUID, time.Duration) {
	if s.active == uuid.Nil {
		return uuid.Nil, 0
	}
	prev := s.active
	delta := s.now().Sub(s.activeSince)
	if delta > 0 {
		s.accumulateLocked(prev, delta)
	}
	s.active = uuid.Nil
	return prev, delta
}

func (s *Store) accumulateLocked(questionID uuid.UUID, delta time.Duration) {
	rec := s.answers[questionID]
	rec.QuestionID = questionID
	rec.TimeSpentMs += delta.Milliseconds()
	rec.LastMutatedAt = s.stamp(rec.LastMutatedAt)
	if rec.Origin == "" {
		rec.Origin = model.OriginInMemory
	}
	s.answers[questionID] = rec
}

// stamp keeps LastMutatedAt strictly increasing per record even when the
// wall clock stalls or steps back.
func (s *Store) stamp(prev time.Time) time.Time {
	t := s.now().Round(0)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func notify(fn ChangeFunc, questionID uuid.UUID) {
	if fn != nil {
		fn(questionID)
	}
}
