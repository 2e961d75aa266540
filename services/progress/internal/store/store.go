// Package store keeps the cloud copy of every user's reading position.
package store

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/example/reading-sync/internal/progress"
)

// Cursor is the decoded form of the opaque pagination cursor.
type Cursor struct {
	UpdatedAt      int64
	BookIdentifier string
}

// Repository persists one record per (user, book).
type Repository interface {
	// Get returns progress.ErrNotFound when the user never synced the book.
	Get(ctx context.Context, userID, bookIdentifier string) (progress.RemoteRecord, error)
	// Put stores rec unless the stored record is ordered after it by
	// (updated_at, device_id). It returns the record now stored and whether
	// rec replaced it.
	Put(ctx context.Context, rec progress.RemoteRecord) (stored progress.RemoteRecord, applied bool, err error)
	// List returns up to limit records ordered by updated_at DESC. cursor, if
	// non-nil, is an exclusive lower bound for keyset pagination.
	List(ctx context.Context, userID string, limit int, cursor *Cursor) ([]progress.RemoteRecord, error)
}

// supersedes reports whether a should replace b.
func supersedes(a, b progress.RemoteRecord) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	return a.DeviceID > b.DeviceID
}

// EncodeCursor returns the cursor pointing after rec.
func EncodeCursor(rec progress.RemoteRecord) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(rec.UpdatedAt, 10) + ":" + rec.BookIdentifier))
}

// DecodeCursor parses the opaque cursor produced by EncodeCursor. Garbage
// yields nil, i.e. the first page.
func DecodeCursor(raw string) *Cursor {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	ts, ident, ok := strings.Cut(string(b), ":")
	if !ok || ident == "" {
		return nil
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil
	}
	return &Cursor{UpdatedAt: n, BookIdentifier: ident}
}

// after reports whether rec sorts strictly after c in List order.
func (c *Cursor) after(rec progress.RemoteRecord) bool {
	if c == nil {
		return true
	}
	if rec.UpdatedAt != c.UpdatedAt {
		return rec.UpdatedAt < c.UpdatedAt
	}
	return rec.BookIdentifier < c.BookIdentifier
}
