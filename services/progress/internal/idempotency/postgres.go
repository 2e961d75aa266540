package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgres(pool *pgxpool.Pool, ttl time.Duration) *Postgres {
	return &Postgres{pool: pool, ttl: ttl}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	const q = `CREATE TABLE IF NOT EXISTS processed_pushes (
	             key        text        PRIMARY KEY,
	             created_at timestamptz NOT NULL DEFAULT now()
	           )`
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ensure processed_pushes schema: %w", err)
	}
	return nil
}

// Check uses INSERT ... ON CONFLICT to atomically deduplicate. An expired
// row is taken over as if it were new.
func (s *Postgres) Check(ctx context.Context, key string) (bool, error) {
	const q = `INSERT INTO processed_pushes (key, created_at)
	           VALUES ($1, now())
	           ON CONFLICT (key) DO UPDATE SET created_at = now()
	           WHERE processed_pushes.created_at < now() - make_interval(secs => $2)`

	tag, err := s.pool.Exec(ctx, q, key, s.ttl.Seconds())
	if err != nil {
		return false, err
	}
	// RowsAffected == 0 means a live row already existed (duplicate).
	return tag.RowsAffected() == 0, nil
}

func (s *Postgres) Forget(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_pushes WHERE key=$1`, key)
	return err
}

// Purge deletes expired keys and returns how many it removed.
func (s *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_pushes WHERE created_at < now() - make_interval(secs => $1)`, s.ttl.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
