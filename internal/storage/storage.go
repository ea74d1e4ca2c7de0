// Package storage provides the durable key/value slots the attempt engine
// keeps on the client. Values are opaque strings; callers are expected to
// write only envelope-encoded data.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedisFromURL(ctx, cfg.DSN, log)
	case "sqlite":
		return NewSQLite(ctx, cfg.DSN, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
