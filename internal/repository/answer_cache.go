package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
)

// AnswerCache is the Redis hot path for autosaves. It holds one answer hash
// per attempt, the cached attempt row, the submit lock and the write-through
// queue.
type AnswerCache struct {
	rdb *redis.Client
}

// NewAnswerCache creates a new AnswerCache.
func NewAnswerCache(rdb *redis.Client) *AnswerCache {
	return &AnswerCache{rdb: rdb}
}

// Put stores a into the attempt hash unless the hash already holds a newer
// write for the question, and queues it for persistence. Reports whether the
// value was taken.
func (c *AnswerCache) Put(ctx context.Context, attemptID uuid.UUID, a model.ServerAnswer) (bool, error) {
	key := config.CacheKey.AttemptAnswersKey(attemptID)
	field := a.QuestionID.String()

	cur, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	if err == nil {
		var existing model.ServerAnswer
		if json.Unmarshal([]byte(cur), &existing) == nil && existing.UpdatedAt.After(a.UpdatedAt) {
			return false, nil
		}
	}

	val, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	job, err := json.Marshal(model.PersistAnswerJob{AttemptID: attemptID, ServerAnswer: a})
	if err != nil {
		return false, err
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, field, val)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("save answer: %w", err)
	}
	return true, nil
}

// All returns every cached answer of an attempt.
func (c *AnswerCache) All(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error) {
	raw, err := c.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.ServerAnswer, 0, len(raw))
	for _, v := range raw {
		var a model.ServerAnswer
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Attempt returns the cached attempt row, or ok=false when not cached.
func (c *AnswerCache) Attempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, bool, error) {
	v, err := c.rdb.Get(ctx, config.CacheKey.AttemptKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var a model.Attempt
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, false, nil
	}
	return &a, true, nil
}

// SetAttempt caches a until an hour past its deadline.
func (c *AnswerCache) SetAttempt(ctx context.Context, a *model.Attempt) error {
	val, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ttl := time.Until(a.Deadline()) + time.Hour
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return c.rdb.Set(ctx, config.CacheKey.AttemptKey(a.ID), val, ttl).Err()
}

// AcquireSubmitLock takes the per-attempt submit lock for ttl.
func (c *AnswerCache) AcquireSubmitLock(ctx context.Context, attemptID uuid.UUID, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, config.CacheKey.AttemptSubmitLockKey(attemptID), 1, ttl).Result()
}

// ReleaseSubmitLock drops the submit lock.
func (c *AnswerCache) ReleaseSubmitLock(ctx context.Context, attemptID uuid.UUID) error {
	return c.rdb.Del(ctx, config.CacheKey.AttemptSubmitLockKey(attemptID)).Err()
}

// Expire bounds the lifetime of a submitted attempt's cached answers.
func (c *AnswerCache) Expire(ctx context.Context, attemptID uuid.UUID, ttl time.Duration) error {
	return c.rdb.Expire(ctx, config.CacheKey.AttemptAnswersKey(attemptID), ttl).Err()
}
