// Package handlers is the HTTP surface of the progress service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/platform/api"
	"github.com/example/reading-sync/internal/progress"
	"github.com/example/reading-sync/services/progress/internal/idempotency"
	"github.com/example/reading-sync/services/progress/internal/store"
)

// maxClockSkew bounds how far in the future a device may stamp a write.
const maxClockSkew = 24 * time.Hour

// Fanout announces stored records and streams them to open connections.
type Fanout interface {
	Publish(ctx context.Context, rec progress.RemoteRecord) error
	Subscribe(userID, bookIdentifier string) (<-chan progress.RemoteRecord, func())
}

type Deps struct {
	Store  store.Repository
	Idem   idempotency.Store
	Fanout Fanout
	Log    *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

type putProgressRequest struct {
	UserID         string  `json:"user_id"`
	DeviceID       string  `json:"device_id"`
	BookIdentifier string  `json:"book_identifier"`
	Locator        string  `json:"locator"`
	Percentage     float64 `json:"percentage"`
	UpdatedAt      int64   `json:"updated_at"`
}

type listResponse struct {
	Items      []progress.RemoteRecord `json:"items"`
	Limit      int                     `json:"limit"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

func GetProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, uid, book, ok := caller(w, r, true)
		if !ok {
			return
		}
		rec, err := d.Store.Get(r.Context(), uid, book)
		if errors.Is(err, progress.ErrNotFound) {
			api.NotFound(w, "NOT_FOUND", "No progress for this book", rid)
			return
		}
		if err != nil {
			d.Log.Error("get progress", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, rec)
	}
}

// PutProgress stores a device's position last-writer-wins and answers with
// whatever record is stored afterwards.
func PutProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, uid, book, ok := caller(w, r, true)
		if !ok {
			return
		}
		var req putProgressRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if req.UserID != "" && req.UserID != uid {
			api.Forbidden(w, "FORBIDDEN", "Record belongs to another user", rid)
			return
		}
		if req.BookIdentifier != "" && req.BookIdentifier != book {
			api.Unprocessable(w, "BOOK_MISMATCH", "Body book_identifier does not match the path", rid, nil)
			return
		}
		rec := progress.RemoteRecord{
			UserID:         uid,
			DeviceID:       strings.TrimSpace(req.DeviceID),
			BookIdentifier: book,
			Locator:        req.Locator,
			Percentage:     req.Percentage,
			UpdatedAt:      req.UpdatedAt,
		}
		if err := rec.Validate(); err != nil {
			api.Unprocessable(w, "INVALID_PROGRESS", err.Error(), rid, nil)
			return
		}
		if limit := d.now().Add(maxClockSkew).UnixMilli(); rec.UpdatedAt > limit {
			api.Unprocessable(w, "CLOCK_SKEW", "updated_at is too far in the future", rid,
				map[string]any{"max_updated_at": limit})
			return
		}

		ctx := r.Context()
		idemKey := ""
		if h := strings.TrimSpace(r.Header.Get("Idempotency-Key")); h != "" && d.Idem != nil {
			idemKey = idempotency.Key(uid, h)
			dup, err := d.Idem.Check(ctx, idemKey)
			if err != nil {
				d.Log.Warn("idempotency check failed; processing anyway", zap.String("request_id", rid), zap.Error(err))
				idemKey = ""
			} else if dup {
				d.replay(w, r, rid, uid, book)
				return
			}
		}

		stored, applied, err := d.Store.Put(ctx, rec)
		if err != nil {
			if idemKey != "" {
				_ = d.Idem.Forget(context.WithoutCancel(ctx), idemKey)
			}
			d.Log.Error("put progress", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		if applied {
			if err := d.Fanout.Publish(ctx, stored); err != nil {
				d.Log.Warn("fanout publish failed", zap.String("request_id", rid), zap.Error(err))
			}
		}
		d.Log.Debug("progress stored",
			zap.String("request_id", rid),
			zap.String("book_identifier", book),
			zap.String("device_id", rec.DeviceID),
			zap.Bool("applied", applied),
		)
		api.WriteJSON(w, http.StatusOK, stored)
	}
}

func (d Deps) replay(w http.ResponseWriter, r *http.Request, rid, uid, book string) {
	w.Header().Set("Idempotent-Replayed", "true")
	cur, err := d.Store.Get(r.Context(), uid, book)
	if err != nil {
		d.Log.Error("replay lookup", zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, cur)
}

// ListProgress is the "continue reading" shelf, newest first.
func ListProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, uid, _, ok := caller(w, r, false)
		if !ok {
			return
		}
		limit := 25
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				api.BadRequest(w, "INVALID_LIMIT", "limit must be an integer", rid, nil)
				return
			}
			limit = min(max(n, 1), 100)
		}
		cursor := store.DecodeCursor(r.URL.Query().Get("cursor"))

		items, err := d.Store.List(r.Context(), uid, limit, cursor)
		if err != nil {
			d.Log.Error("list progress", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		resp := listResponse{Items: items, Limit: limit}
		if resp.Items == nil {
			resp.Items = []progress.RemoteRecord{}
		}
		if len(items) == limit {
			resp.NextCursor = store.EncodeCursor(items[len(items)-1])
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}
