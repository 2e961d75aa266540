package localstore

import (
	"github.com/uptrace/bun"

	"github.com/example/reading-sync/internal/progress"
)

type progressRow struct {
	bun.BaseModel `bun:"table:reading_progress,alias:rp"`

	BookID         string  `bun:"book_id,pk"`
	BookIdentifier string  `bun:"book_identifier,notnull"`
	Locator        string  `bun:"locator,notnull"`
	Percentage     float64 `bun:"percentage,notnull"`
	UpdatedAt      int64   `bun:"updated_at,notnull"`
	DeviceID       string  `bun:"origin_device_id,notnull"`
}

func (r progressRow) record() progress.Record {
	return progress.Record{
		BookID:         r.BookID,
		BookIdentifier: r.BookIdentifier,
		Locator:        r.Locator,
		Percentage:     r.Percentage,
		UpdatedAt:      r.UpdatedAt,
		DeviceID:       r.DeviceID,
	}
}

func rowFromRecord(rec progress.Record) *progressRow {
	return &progressRow{
		BookID:         rec.BookID,
		BookIdentifier: rec.BookIdentifier,
		Locator:        rec.Locator,
		Percentage:     rec.Percentage,
		UpdatedAt:      rec.UpdatedAt,
		DeviceID:       rec.DeviceID,
	}
}

type outboxRow struct {
	bun.BaseModel `bun:"table:sync_outbox,alias:so"`

	ID            string `bun:"id,pk"`
	Type          string `bun:"action_type,notnull"`
	Key           string `bun:"book_id,notnull"`
	Payload       []byte `bun:"payload,notnull"`
	Timestamp     int64  `bun:"created_at,notnull"`
	RetryCount    int    `bun:"retry_count,notnull"`
	NextAttemptAt int64  `bun:"next_attempt_at,notnull"`
}

func (r outboxRow) action() (progress.SyncAction, error) {
	payload, err := progress.DecodePayload(r.Payload)
	if err != nil {
		return progress.SyncAction{}, err
	}
	return progress.SyncAction{
		ID:            r.ID,
		Type:          r.Type,
		Key:           r.Key,
		Payload:       payload,
		Timestamp:     r.Timestamp,
		RetryCount:    r.RetryCount,
		NextAttemptAt: r.NextAttemptAt,
	}, nil
}
