package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskrelay/internal/config"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// KV is the key-value capability set the idempotency layer is written against.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// SetNX writes value only if key is absent (or expired). ttl 0 means no expiry.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces value with next only if the live value equals old.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if the live value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	Close() error
}

// Open selects a backend from resolved configuration.
func Open(ctx context.Context, cfg config.Config) (KV, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendRedis:
		if cfg.RedisURL != "" {
			return NewRedisFromURL(ctx, cfg.RedisURL)
		}
		return NewRedisWithCredentials(ctx, cfg.RedisAddr, cfg.StoreSiteID, cfg.StoreToken)
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
