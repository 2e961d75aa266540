// Package idempotency drops redelivered progress pushes.
//
// Devices resend an outbox entry until the service acknowledges it, tagging
// every attempt with the entry id as Idempotency-Key. Keys are remembered
// for a TTL per user.
//
// Backend: Postgres INSERT ... ON CONFLICT when a pool is configured,
// otherwise an in-memory store (development only).
package idempotency

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store checks whether a push was already processed and marks it.
type Store interface {
	// Check returns true if key was already seen within the TTL. If not
	// seen, it atomically marks it.
	Check(ctx context.Context, key string) (duplicate bool, err error)
	// Forget unmarks key so a push that failed after Check can be retried.
	Forget(ctx context.Context, key string) error
}

// NewStore picks Postgres when pool is non-nil, else memory.
func NewStore(pool *pgxpool.Pool, ttl time.Duration) Store {
	if pool != nil {
		return NewPostgres(pool, ttl)
	}
	return NewMemory(ttl)
}

// Key scopes a client-supplied header value to its user.
func Key(userID, header string) string {
	return userID + "/" + header
}
