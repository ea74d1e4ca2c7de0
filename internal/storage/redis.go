package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/database"
)

// Redis stores slots as plain Redis strings. Useful when the engine runs in an
// edge process next to a local Redis.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// NewRedisFromURL connects and pings a Redis instance.
func NewRedisFromURL(ctx context.Context, url string, log zerolog.Logger) (*Redis, error) {
	rdb, err := database.NewRedisClient(ctx, url, log.With().Str("store", "attempt").Logger())
	if err != nil {
		return nil, err
	}
	return NewRedis(rdb), nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
