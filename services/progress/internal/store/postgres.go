package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/reading-sync/internal/progress"
)

// Postgres is the production Repository.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS reading_progress (
  user_id         text             NOT NULL,
  book_identifier text             NOT NULL,
  device_id       text             NOT NULL,
  locator         text             NOT NULL,
  percentage      double precision NOT NULL CHECK (percentage >= 0 AND percentage <= 1),
  updated_at_ms   bigint           NOT NULL,
  stored_at       timestamptz      NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, book_identifier)
);
CREATE INDEX IF NOT EXISTS reading_progress_recent_idx
  ON reading_progress (user_id, updated_at_ms DESC, book_identifier COLLATE "C" DESC);`

// EnsureSchema creates the table if it does not exist yet.
func (r *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure reading_progress schema: %w", err)
	}
	return nil
}

// Device ids compare bytewise, matching supersedes.
const upsert = `
INSERT INTO reading_progress (user_id, book_identifier, device_id, locator, percentage, updated_at_ms)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, book_identifier)
DO UPDATE SET
  device_id     = EXCLUDED.device_id,
  locator       = EXCLUDED.locator,
  percentage    = EXCLUDED.percentage,
  updated_at_ms = EXCLUDED.updated_at_ms,
  stored_at     = now()
WHERE reading_progress.updated_at_ms < EXCLUDED.updated_at_ms
   OR (reading_progress.updated_at_ms = EXCLUDED.updated_at_ms
       AND reading_progress.device_id COLLATE "C" < EXCLUDED.device_id COLLATE "C")
RETURNING device_id, locator, percentage, updated_at_ms`

func (r *Postgres) Put(ctx context.Context, rec progress.RemoteRecord) (progress.RemoteRecord, bool, error) {
	out := progress.RemoteRecord{UserID: rec.UserID, BookIdentifier: rec.BookIdentifier}
	err := r.db.QueryRow(ctx, upsert,
		rec.UserID, rec.BookIdentifier, rec.DeviceID, rec.Locator, rec.Percentage, rec.UpdatedAt,
	).Scan(&out.DeviceID, &out.Locator, &out.Percentage, &out.UpdatedAt)
	if err != nil {
		// WHERE clause blocked the update; report what is stored instead.
		if errors.Is(err, pgx.ErrNoRows) {
			cur, err := r.Get(ctx, rec.UserID, rec.BookIdentifier)
			return cur, false, err
		}
		return progress.RemoteRecord{}, false, fmt.Errorf("upsert progress: %w", err)
	}
	return out, true, nil
}

func (r *Postgres) Get(ctx context.Context, userID, bookIdentifier string) (progress.RemoteRecord, error) {
	const q = `SELECT device_id, locator, percentage, updated_at_ms
	           FROM reading_progress WHERE user_id=$1 AND book_identifier=$2`
	out := progress.RemoteRecord{UserID: userID, BookIdentifier: bookIdentifier}
	err := r.db.QueryRow(ctx, q, userID, bookIdentifier).
		Scan(&out.DeviceID, &out.Locator, &out.Percentage, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return progress.RemoteRecord{}, progress.ErrNotFound
	}
	if err != nil {
		return progress.RemoteRecord{}, fmt.Errorf("get progress: %w", err)
	}
	return out, nil
}

func (r *Postgres) List(ctx context.Context, userID string, limit int, cursor *Cursor) ([]progress.RemoteRecord, error) {
	q := `SELECT book_identifier, device_id, locator, percentage, updated_at_ms
	      FROM reading_progress WHERE user_id=$1`
	args := []any{userID}

	if cursor != nil {
		q += ` AND (updated_at_ms < $2 OR (updated_at_ms = $2 AND book_identifier COLLATE "C" < $3::text COLLATE "C"))`
		args = append(args, cursor.UpdatedAt, cursor.BookIdentifier)
	}
	q += ` ORDER BY updated_at_ms DESC, book_identifier COLLATE "C" DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []progress.RemoteRecord
	for rows.Next() {
		rec := progress.RemoteRecord{UserID: userID}
		if err := rows.Scan(&rec.BookIdentifier, &rec.DeviceID, &rec.Locator, &rec.Percentage, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
