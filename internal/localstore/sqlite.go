// Package localstore is the on-device progress store and push outbox.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/progress"
)

// Store keeps progress rows and outbox entries in one SQLite file.
type Store struct {
	db  *bun.DB
	log *zap.Logger
}

var (
	_ progress.LocalStore = (*Store)(nil)
	_ progress.Outbox     = (*Store)(nil)
)

// Open opens (and creates) the database at dsn. Use "file::memory:?cache=shared"
// or ":memory:" in tests.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// SQLite allows a single writer.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	s := &Store{db: db, log: log}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := s.db.NewCreateTable().Model((*progressRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create reading_progress: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*outboxRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create sync_outbox: %w", err)
	}
	if _, err := s.db.NewCreateIndex().Model((*outboxRow)(nil)).Index("sync_outbox_due_idx").
		IfNotExists().Column("next_attempt_at", "id").Exec(ctx); err != nil {
		return fmt.Errorf("create sync_outbox index: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Import registers a book with an untouched record. Existing progress is kept.
func (s *Store) Import(ctx context.Context, bookID, bookIdentifier string) error {
	row := &progressRow{BookID: bookID, BookIdentifier: bookIdentifier}
	_, err := s.db.NewInsert().Model(row).On("CONFLICT (book_id) DO NOTHING").Exec(ctx)
	return err
}

func (s *Store) Read(ctx context.Context, bookID string) (progress.Record, error) {
	row := new(progressRow)
	if err := s.db.NewSelect().Model(row).Where("book_id = ?", bookID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return progress.Record{}, progress.ErrNotFound
		}
		return progress.Record{}, err
	}
	return row.record(), nil
}

// WriteAtomic upserts every column in a single statement.
func (s *Store) WriteAtomic(ctx context.Context, rec progress.Record) error {
	if !progress.ValidPercentage(rec.Percentage) {
		return progress.ErrInvalidPercentage
	}
	_, err := s.db.NewInsert().Model(rowFromRecord(rec)).
		On("CONFLICT (book_id) DO UPDATE").
		Set("book_identifier = EXCLUDED.book_identifier").
		Set("locator = EXCLUDED.locator").
		Set("percentage = EXCLUDED.percentage").
		Set("updated_at = EXCLUDED.updated_at").
		Set("origin_device_id = EXCLUDED.origin_device_id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("write progress %s: %w", rec.BookID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bookID string) error {
	_, err := s.db.NewDelete().Model((*progressRow)(nil)).Where("book_id = ?", bookID).Exec(ctx)
	return err
}

// List returns every book, most recently read first.
func (s *Store) List(ctx context.Context) ([]progress.Record, error) {
	var rows []progressRow
	if err := s.db.NewSelect().Model(&rows).Order("updated_at DESC", "book_id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]progress.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// ─── outbox ─────────────────────────────────────────────────────────────────

func (s *Store) Enqueue(ctx context.Context, a progress.SyncAction) error {
	payload, err := progress.EncodePayload(a.Payload)
	if err != nil {
		return err
	}
	row := &outboxRow{
		ID:            a.ID,
		Type:          a.Type,
		Key:           a.Key,
		Payload:       payload,
		Timestamp:     a.Timestamp,
		RetryCount:    a.RetryCount,
		NextAttemptAt: a.NextAttemptAt,
	}
	_, err = s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *Store) Due(ctx context.Context, now int64, limit int) ([]progress.SyncAction, error) {
	var rows []outboxRow
	q := s.db.NewSelect().Model(&rows).Where("next_attempt_at <= ?", now).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]progress.SyncAction, 0, len(rows))
	for _, r := range rows {
		a, err := r.action()
		if err != nil {
			// Unreadable payloads can never be delivered.
			s.log.Warn("dropping corrupt outbox entry", zap.String("id", r.ID), zap.Error(err))
			_ = s.Remove(ctx, r.ID)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, nextAttemptAt int64) (int, error) {
	var count int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model((*outboxRow)(nil)).
			Set("retry_count = retry_count + 1").
			Set("next_attempt_at = ?", nextAttemptAt).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return progress.ErrNotFound
		}
		return tx.NewSelect().Model((*outboxRow)(nil)).Column("retry_count").Where("id = ?", id).Scan(ctx, &count)
	})
	return count, err
}

func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*outboxRow)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.db.NewSelect().Model((*outboxRow)(nil)).Count(ctx)
}
