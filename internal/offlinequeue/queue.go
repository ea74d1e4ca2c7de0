// Package offlinequeue is the durable write-behind log for answers that could
// not be written to the server of record. There is at most one live entry
// per question: a newer enqueue replaces the older one in memory and in its
// durable slot.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/envelope"
	"github.com/stemsi/exstem-sync/internal/metrics"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
)

// Queue holds pending answer writes for one attempt. Storage I/O happens under
// the queue lock so durable slots are written in the same order as memory.
type Queue struct {
	mu         sync.Mutex
	attemptID  uuid.UUID
	entries    map[uuid.UUID]model.QueueEntry
	lastStamp  time.Time
	memoryOnly bool

	store  storage.Store
	cipher *envelope.Cipher
	log    zerolog.Logger
	now    func() time.Time
}

// New creates an empty queue for attemptID.
func New(attemptID uuid.UUID, store storage.Store, cipher *envelope.Cipher, log zerolog.Logger) *Queue {
	return &Queue{
		attemptID: attemptID,
		entries:   make(map[uuid.UUID]model.QueueEntry),
		store:     store,
		cipher:    cipher,
		log: log.With().
			Str("component", "offline_queue").
			Str("attempt_id", attemptID.String()).
			Logger(),
		now: time.Now,
	}
}

// Enqueue records a pending write and persists it immediately. Any earlier
// entry for the same question is pruned.
func (q *Queue) Enqueue(ctx context.Context, questionID uuid.UUID, answer json.RawMessage, timeSpentMs int64, mutatedAt time.Time) model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := model.QueueEntry{
		QuestionID:  questionID,
		Answer:      answer,
		TimeSpentMs: timeSpentMs,
		EnqueuedAt:  q.stamp(),
		MutatedAt:   mutatedAt,
	}
	q.entries[questionID] = entry
	metrics.OfflineQueueDepth.Set(float64(len(q.entries)))

	q.persistLocked(ctx, entry)

	q.log.Debug().
		Str("question_id", questionID.String()).
		Int("depth", len(q.entries)).
		Msg("Answer queued for replay")

	return entry
}

// Drain returns the entries to retry, oldest first. Entries stay queued until
// acknowledged.
func (q *Queue) Drain() []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Pending returns the live entry for a question, if any.
func (q *Queue) Pending(questionID uuid.UUID) (model.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[questionID]
	return e, ok
}

// Acknowledge removes the entry for questionID only when its EnqueuedAt
// matches the write the server just confirmed. A late acknowledgment for an
// older edit leaves a newer entry in place.
func (q *Queue) Acknowledge(ctx context.Context, questionID uuid.UUID, enqueuedAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[questionID]
	if !ok || !e.EnqueuedAt.Equal(enqueuedAt) {
		return false
	}
	delete(q.entries, questionID)
	metrics.OfflineQueueDepth.Set(float64(len(q.entries)))

	if !q.memoryOnly {
		if err := q.store.Delete(ctx, config.CacheKey.OfflineQueueKey(q.attemptID, questionID)); err != nil {
			q.log.Warn().Err(err).Str("question_id", questionID.String()).Msg("Failed to delete acknowledged slot")
		}
	}
	return true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// LoadFromDurableStorage merges durable slots into memory, keeping the newest
// entry per question. Undecodable slots are counted, logged, and removed.
// Returns the number of entries accepted from storage.
func (q *Queue) LoadFromDurableStorage(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.memoryOnly {
		return 0, nil
	}

	prefix := config.CacheKey.OfflineQueuePrefix(q.attemptID)
	keys, err := q.store.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				q.log.Warn().Err(err).Str("key", key).Msg("Failed to read queue slot")
			}
			continue
		}

		var e model.QueueEntry
		if !q.cipher.Decode(raw, &e).OK() || e.QuestionID == uuid.Nil ||
			!strings.HasSuffix(key, e.QuestionID.String()) {
			q.log.Warn().Str("key", key).Msg("Dropping unreadable queue slot")
			_ = q.store.Delete(ctx, key)
			continue
		}

		if cur, ok := q.entries[e.QuestionID]; ok && !e.EnqueuedAt.After(cur.EnqueuedAt) {
			continue
		}
		q.entries[e.QuestionID] = e
		if e.EnqueuedAt.After(q.lastStamp) {
			q.lastStamp = e.EnqueuedAt
		}
		loaded++
	}

	metrics.OfflineQueueDepth.Set(float64(len(q.entries)))
	return loaded, nil
}

// PersistToDurableStorage rewrites every live entry to its slot.
func (q *Queue) PersistToDurableStorage(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.memoryOnly {
		return nil
	}
	var errs []error
	for _, e := range q.entries {
		if err := q.writeSlot(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear drops every entry and durable slot of the attempt.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make(map[uuid.UUID]model.QueueEntry)
	metrics.OfflineQueueDepth.Set(0)

	keys, err := q.store.Keys(ctx, config.CacheKey.OfflineQueuePrefix(q.attemptID))
	if err != nil {
		return err
	}
	return q.store.Delete(ctx, keys...)
}

// persistLocked writes one slot. Failures are logged and the queue falls back
// to memory-only operation for the rest of the session.
func (q *Queue) persistLocked(ctx context.Context, e model.QueueEntry) {
	if q.memoryOnly {
		return
	}
	if err := q.writeSlot(ctx, e); err != nil {
		q.memoryOnly = true
		q.log.Error().Err(err).Msg("Durable queue write failed, continuing in memory")
	}
}

func (q *Queue) writeSlot(ctx context.Context, e model.QueueEntry) error {
	raw, err := q.cipher.Encode(e)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, config.CacheKey.OfflineQueueKey(q.attemptID, e.QuestionID), raw)
}

// stamp returns a strictly increasing timestamp without a monotonic reading,
// so it compares equal after a JSON round trip.
func (q *Queue) stamp() time.Time {
	t := q.now().Round(0)
	if !t.After(q.lastStamp) {
		t = q.lastStamp.Add(time.Microsecond)
	}
	q.lastStamp = t
	return t
}
