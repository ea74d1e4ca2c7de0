// Package servicetest provides in-memory stand-ins for the repositories and
// the Redis answer cache so AttemptService can run without PostgreSQL or Redis.
package servicetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-sync/internal/model"
)

// Attempts is an in-memory attempt table.
type Attempts struct {
	mu   sync.Mutex
	rows map[uuid.UUID]model.Attempt
}

func NewAttempts() *Attempts {
	return &Attempts{rows: make(map[uuid.UUID]model.Attempt)}
}

// Add inserts a and returns its id.
func (r *Attempts) Add(a model.Attempt) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.AttemptInProgress
	}
	r.rows[a.ID] = a
	return a.ID
}

func (r *Attempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &a, nil
}

func (r *Attempts) MarkSubmitted(_ context.Context, id uuid.UUID, at time.Time, accepted int, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.SubmittedAt != nil {
		return false, nil
	}
	a.SubmittedAt = &at
	a.Status = model.AttemptSubmitted
	a.AnswersAccepted = accepted
	r.rows[id] = a
	return true, nil
}

// Answers is an in-memory answer table with the same newest-wins upsert.
type Answers struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]map[uuid.UUID]model.ServerAnswer
	Batches int
}

func NewAnswers() *Answers {
	return &Answers{rows: make(map[uuid.UUID]map[uuid.UUID]model.ServerAnswer)}
}

func (r *Answers) Upsert(_ context.Context, attemptID uuid.UUID, a model.ServerAnswer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(attemptID, a)
	return nil
}

func (r *Answers) upsert(attemptID uuid.UUID, a model.ServerAnswer) {
	m, ok := r.rows[attemptID]
	if !ok {
		m = make(map[uuid.UUID]model.ServerAnswer)
		r.rows[attemptID] = m
	}
	if cur, ok := m[a.QuestionID]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
		return
	}
	m[a.QuestionID] = a
}

func (r *Answers) UpsertBatch(_ context.Context, attemptID uuid.UUID, answers []model.ServerAnswer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Batches++
	for _, a := range answers {
		r.upsert(attemptID, a)
	}
	return nil
}

func (r *Answers) ListByAttempt(_ context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ServerAnswer
	for _, a := range r.rows[attemptID] {
		out = append(out, a)
	}
	return out, nil
}

// Cache is an in-memory AnswerCache. Jobs collects what a real cache would
// push onto the persist queue.
type Cache struct {
	mu       sync.Mutex
	answers  map[uuid.UUID]map[uuid.UUID]model.ServerAnswer
	attempts map[uuid.UUID]model.Attempt
	locks    map[uuid.UUID]bool
	Jobs     []model.PersistAnswerJob
}

func NewCache() *Cache {
	return &Cache{
		answers:  make(map[uuid.UUID]map[uuid.UUID]model.ServerAnswer),
		attempts: make(map[uuid.UUID]model.Attempt),
		locks:    make(map[uuid.UUID]bool),
	}
}

func (c *Cache) Put(_ context.Context, attemptID uuid.UUID, a model.ServerAnswer) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.answers[attemptID]
	if !ok {
		m = make(map[uuid.UUID]model.ServerAnswer)
		c.answers[attemptID] = m
	}
	if cur, ok := m[a.QuestionID]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
		return false, nil
	}
	m[a.QuestionID] = a
	c.Jobs = append(c.Jobs, model.PersistAnswerJob{AttemptID: attemptID, ServerAnswer: a})
	return true, nil
}

func (c *Cache) All(_ context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.ServerAnswer
	for _, a := range c.answers[attemptID] {
		out = append(out, a)
	}
	return out, nil
}

func (c *Cache) Attempt(_ context.Context, attemptID uuid.UUID) (*model.Attempt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[attemptID]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

func (c *Cache) SetAttempt(_ context.Context, a *model.Attempt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[a.ID] = *a
	return nil
}

func (c *Cache) AcquireSubmitLock(_ context.Context, attemptID uuid.UUID, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[attemptID] {
		return false, nil
	}
	c.locks[attemptID] = true
	return true, nil
}

func (c *Cache) ReleaseSubmitLock(_ context.Context, attemptID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, attemptID)
	return nil
}

func (c *Cache) Expire(context.Context, uuid.UUID, time.Duration) error { return nil }

// Drop forgets every cached answer of an attempt, as an evicted hash would.
func (c *Cache) Drop(attemptID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.answers, attemptID)
}
