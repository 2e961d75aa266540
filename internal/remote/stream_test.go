package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ForwardsValidRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/progress/isbn:978-0/stream", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		foreign := sample()
		foreign.BookIdentifier = "other"
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"user_id":"user-1"}`))
		_ = wsjson.Write(ctx, conn, foreign)
		_ = wsjson.Write(ctx, conn, sample())
		<-ctx.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := New(srv.URL, "tok").Subscribe(ctx, "user-1", "isbn:978-0")
	require.NoError(t, err)

	select {
	case rec := <-ch:
		assert.Equal(t, sample(), rec)
	case <-time.After(2 * time.Second):
		t.Fatal("no record received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_RejectedDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad").Subscribe(context.Background(), "user-1", "isbn:978-0")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://sync.example.org/v1/progress/b2:ab/stream", New("https://sync.example.org/", "").streamURL("b2:ab"))
	assert.Equal(t, "ws://localhost:8080/v1/progress/a%2Fb/stream", New("http://localhost:8080", "").streamURL("a/b"))
}
