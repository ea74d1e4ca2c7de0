// Package sessioncache keeps the aggregate answer snapshot of an attempt in
// one encrypted durable slot for fast resume after a reload.
package sessioncache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/envelope"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
)

type snapshot struct {
	SavedAt time.Time            `json:"saved_at"`
	Answers []model.AnswerRecord `json:"answers"`
}

// Cache is the per-attempt snapshot slot.
type Cache struct {
	mu        sync.Mutex
	attemptID uuid.UUID
	held      map[uuid.UUID]model.AnswerRecord
	store     storage.Store
	cipher    *envelope.Cipher
	log       zerolog.Logger
}

// New creates a Cache for attemptID.
func New(attemptID uuid.UUID, store storage.Store, cipher *envelope.Cipher, log zerolog.Logger) *Cache {
	return &Cache{
		attemptID: attemptID,
		held:      make(map[uuid.UUID]model.AnswerRecord),
		store:     store,
		cipher:    cipher,
		log: log.With().
			Str("component", "session_cache").
			Str("attempt_id", attemptID.String()).
			Logger(),
	}
}

// Save merges records into the held snapshot (newest LastMutatedAt wins) and
// writes it. A stale caller can never regress a question. Write failures
// are logged and returned.
func (c *Cache) Save(ctx context.Context, records map[uuid.UUID]model.AnswerRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for qid, rec := range records {
		if cur, ok := c.held[qid]; ok && !model.Newer(rec, cur) {
			continue
		}
		c.held[qid] = rec
	}

	snap := snapshot{SavedAt: time.Now(), Answers: make([]model.AnswerRecord, 0, len(c.held))}
	for _, rec := range c.held {
		snap.Answers = append(snap.Answers, rec)
	}

	raw, err := c.cipher.Encode(snap)
	if err == nil {
		err = c.store.Set(ctx, config.CacheKey.SessionSnapshotKey(c.attemptID), raw)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("Snapshot write failed")
	}
	return err
}

// Load reads the durable snapshot. A missing, corrupt, or undecryptable slot
// yields an empty map and no error; only storage failures are returned.
func (c *Cache) Load(ctx context.Context) (map[uuid.UUID]model.AnswerRecord, error) {
	raw, err := c.store.Get(ctx, config.CacheKey.SessionSnapshotKey(c.attemptID))
	if errors.Is(err, storage.ErrNotFound) {
		return map[uuid.UUID]model.AnswerRecord{}, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if !c.cipher.Decode(raw, &snap).OK() {
		return map[uuid.UUID]model.AnswerRecord{}, nil
	}

	out := make(map[uuid.UUID]model.AnswerRecord, len(snap.Answers))
	for _, rec := range snap.Answers {
		if rec.QuestionID == uuid.Nil {
			continue
		}
		if cur, ok := out[rec.QuestionID]; ok && !model.Newer(rec, cur) {
			continue
		}
		out[rec.QuestionID] = rec
	}

	c.mu.Lock()
	for qid, rec := range out {
		if cur, ok := c.held[qid]; !ok || model.Newer(rec, cur) {
			c.held[qid] = rec
		}
	}
	c.mu.Unlock()

	return out, nil
}

// Clear removes the snapshot slot.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = make(map[uuid.UUID]model.AnswerRecord)
	return c.store.Delete(ctx, config.CacheKey.SessionSnapshotKey(c.attemptID))
}
