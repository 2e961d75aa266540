package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/platform/api"
	"github.com/example/reading-sync/internal/progress"
)

const streamWriteTimeout = 5 * time.Second

// StreamProgress upgrades to a websocket and pushes the stored record for
// the book, then every newer one, until the client goes away.
func StreamProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, uid, book, ok := caller(w, r, true)
		if !ok {
			return
		}

		// Subscribe before reading the current value so nothing stored in
		// between is missed.
		updates, cancel := d.Fanout.Subscribe(uid, book)
		defer cancel()

		cur, err := d.Store.Get(r.Context(), uid, book)
		hasCur := err == nil
		if err != nil && !errors.Is(err, progress.ErrNotFound) {
			d.Log.Error("stream initial read", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			d.Log.Warn("websocket upgrade failed", zap.String("request_id", rid), zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		// Clients never send; CloseRead handles control frames and cancels
		// ctx when the peer disconnects.
		ctx := conn.CloseRead(r.Context())
		log := d.Log.With(zap.String("request_id", rid), zap.String("book_identifier", book))
		log.Debug("progress stream opened")

		if hasCur {
			if err := write(ctx, conn, cur); err != nil {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				log.Debug("progress stream closed")
				return
			case rec := <-updates:
				if hasCur && rec == cur {
					continue
				}
				if err := write(ctx, conn, rec); err != nil {
					log.Debug("progress stream write failed", zap.Error(err))
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, rec progress.RemoteRecord) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, rec)
}
