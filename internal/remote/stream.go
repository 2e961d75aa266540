package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/progress"
)

// Subscribe streams updates for one book. The first dial must succeed; after
// that dropped connections are redialled with backoff until ctx is done, at
// which point the channel closes.
func (c *Client) Subscribe(ctx context.Context, userID, bookIdentifier string) (<-chan progress.RemoteRecord, error) {
	conn, err := c.dial(ctx, bookIdentifier)
	if err != nil {
		return nil, err
	}
	out := make(chan progress.RemoteRecord, 8)
	go func() {
		defer close(out)
		delay := time.Second
		for {
			if c.pump(ctx, conn, userID, bookIdentifier, out) {
				delay = time.Second
			}
			if ctx.Err() != nil {
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay = min(delay*2, 30*time.Second)
				if conn, err = c.dial(ctx, bookIdentifier); err == nil {
					break
				}
				c.Log.Debug("progress stream redial failed", zap.String("book_identifier", bookIdentifier), zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (c *Client) streamURL(bookIdentifier string) string {
	u := c.recordURL(bookIdentifier) + "/stream"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) dial(ctx context.Context, bookIdentifier string) (*websocket.Conn, error) {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, progress.DefaultNetTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, c.streamURL(bookIdentifier), &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

// pump forwards records until the connection drops. It reports whether at
// least one message arrived.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn, userID, bookIdentifier string, out chan<- progress.RemoteRecord) bool {
	defer conn.Close(websocket.StatusNormalClosure, "")
	got := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.Log.Debug("progress stream dropped", zap.String("book_identifier", bookIdentifier), zap.Error(err))
			}
			return got
		}
		got = true
		var rec progress.RemoteRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.Log.Warn("skipping malformed stream record", zap.Error(err))
			continue
		}
		if rec.UserID != userID || rec.BookIdentifier != bookIdentifier {
			c.Log.Warn("skipping foreign stream record", zap.String("user_id", rec.UserID), zap.String("book_identifier", rec.BookIdentifier))
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return got
		}
	}
}
