package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/progress"
)

func sample() progress.RemoteRecord {
	return progress.RemoteRecord{
		UserID: "user-1", DeviceID: "kobo", BookIdentifier: "isbn:978-0",
		Locator: "epubcfi(/6/4)", Percentage: 0.25, UpdatedAt: 1700000000000,
	}
}

func TestFetch_OK(t *testing.T) {
	want := sample()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/progress/isbn:978-0", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := New(srv.URL, "tok").Fetch(context.Background(), "user-1", "isbn:978-0")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFetch_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"absent", http.StatusNotFound, `{}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, progress.ErrNotFound)
		}},
		{"rejected", http.StatusUnprocessableEntity, `{"error":{}}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, progress.ErrProtocolViolation)
		}},
		{"bad request", http.StatusBadRequest, `{}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, progress.ErrProtocolViolation)
		}},
		{"malformed body", http.StatusOK, `{"user_id":"user-1","percentage":7}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, progress.ErrProtocolViolation)
		}},
		{"server error", http.StatusServiceUnavailable, `busy`, func(t *testing.T, err error) {
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, http.StatusServiceUnavailable, se.Code)
			assert.NotErrorIs(t, err, progress.ErrOffline)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()
			_, err := New(srv.URL, "").Fetch(context.Background(), "user-1", "isbn:978-0")
			tc.check(t, err)
		})
	}
}

func TestFetch_ForeignRecordIsViolation(t *testing.T) {
	rec := sample()
	rec.UserID = "someone-else"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(rec)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Fetch(context.Background(), "user-1", "isbn:978-0")
	assert.ErrorIs(t, err, progress.ErrProtocolViolation)
}

func TestFetch_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "").Fetch(context.Background(), "user-1", "isbn:978-0")
	assert.ErrorIs(t, err, progress.ErrOffline)
}

func TestPush_SendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody progress.RemoteRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(gotBody)
	}))
	defer srv.Close()

	ctx := progress.WithDeliveryID(context.Background(), "0190-action")
	require.NoError(t, New(srv.URL, "").Push(ctx, sample()))
	assert.Equal(t, "0190-action", gotKey)
	assert.Equal(t, sample(), gotBody)
}

func TestPush_NewerStoredRecordIsSuperseded(t *testing.T) {
	newer := sample()
	newer.DeviceID = "phone"
	newer.Locator = "epubcfi(/6/20)"
	newer.UpdatedAt += 60_000
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(newer)
	}))
	defer srv.Close()

	err := New(srv.URL, "").Push(context.Background(), sample())
	require.ErrorIs(t, err, progress.ErrSuperseded)
	var se *progress.SupersededError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, newer, se.Stored)
}

func TestPush_NoContentIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, "").Push(context.Background(), sample()))
}

func TestPush_ValidatesBeforeSending(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	rec := sample()
	rec.Percentage = 1.2
	err := New(srv.URL, "").Push(context.Background(), rec)
	assert.ErrorIs(t, err, progress.ErrProtocolViolation)
	assert.Zero(t, hits.Load())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithCircuitBreaker(NewBreaker("test", zap.NewNop())))
	for i := 0; i < 3; i++ {
		err := c.Push(context.Background(), sample())
		var se *StatusError
		require.True(t, errors.As(err, &se), "attempt %d: %v", i, err)
	}
	err := c.Push(context.Background(), sample())
	assert.ErrorIs(t, err, progress.ErrOffline)
	assert.Equal(t, int32(3), hits.Load())
}

func TestBreaker_IgnoresAbsentAndRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithCircuitBreaker(NewBreaker("test", zap.NewNop())))
	for i := 0; i < 5; i++ {
		_, err := c.Fetch(context.Background(), "user-1", "isbn:978-0")
		require.ErrorIs(t, err, progress.ErrNotFound)
	}
}

func TestFetch_HonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-release }))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "").Fetch(ctx, "user-1", "isbn:978-0")
	assert.ErrorIs(t, err, progress.ErrOffline)
}
