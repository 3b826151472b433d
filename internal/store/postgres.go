package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores entries in the kv_entries table (see migrations/).
type Postgres struct {
	DB *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	row := p.DB.QueryRow(ctx, `SELECT value FROM kv_entries WHERE key=$1 AND (expires_at IS NULL OR expires_at > now())`, key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// SetNX inserts the row, or replaces it only when the existing row has expired.
func (p *Postgres) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tag, err := p.DB.Exec(ctx, `INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES ($1,$2,$3,now())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at, updated_at=now()
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()`, key, value, expiresAt(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	tag, err := p.DB.Exec(ctx, `UPDATE kv_entries SET value=$3, expires_at=$4, updated_at=now()
		WHERE key=$1 AND value=$2 AND (expires_at IS NULL OR expires_at > now())`, key, old, next, expiresAt(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	tag, err := p.DB.Exec(ctx, `DELETE FROM kv_entries
		WHERE key=$1 AND value=$2 AND (expires_at IS NULL OR expires_at > now())`, key, old)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Close() error {
	p.DB.Close()
	return nil
}
