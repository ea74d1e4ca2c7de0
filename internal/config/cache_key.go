package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ─── Client durable storage ─────────────────────────────────────────

// OfflineQueueKey returns the durable slot for one queued answer of an attempt.
func (r *CacheKeyStruct) OfflineQueueKey(attemptID, questionID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:queue:%s", attemptID, questionID)
}

// OfflineQueuePrefix returns the prefix shared by every queue slot of an attempt.
func (r *CacheKeyStruct) OfflineQueuePrefix(attemptID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:queue:", attemptID)
}

// SessionSnapshotKey returns the slot holding the aggregate answer snapshot
// used for fast resume.
func (r *CacheKeyStruct) SessionSnapshotKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:snapshot", attemptID)
}

// ─── Server of record ───────────────────────────────────────────────

// AttemptAnswersKey returns the Redis hash holding an attempt's autosaved answers.
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptKey returns the cache key for an attempt row (JSON).
func (r *CacheKeyStruct) AttemptKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:meta", attemptID)
}

// AttemptSubmitLockKey guards the submit endpoint against concurrent duplicates.
func (r *CacheKeyStruct) AttemptSubmitLockKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:submit_lock", attemptID)
}

var CacheKey = NewCacheKeyStruct()
