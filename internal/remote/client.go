// Package remote is the HTTP and websocket client for the progress service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/progress"
)

// StatusError is a non-2xx answer that is neither "absent" nor a protocol
// violation. Retrying it later may succeed.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("progress service: status %d body=%q", e.Code, e.Body)
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	CB         *gobreaker.CircuitBreaker
	Log        *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: progress.DefaultNetTimeout},
		Log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewBreaker trips after three consecutive transport or server failures and
// retries after 30s. Absent records and rejected payloads do not count
// against it.
func NewBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, progress.ErrNotFound) || errors.Is(err, progress.ErrProtocolViolation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Fetch returns the user's record for the book, progress.ErrNotFound when
// there is none, and progress.ErrOffline when the service is unreachable.
func (c *Client) Fetch(ctx context.Context, userID, bookIdentifier string) (progress.RemoteRecord, error) {
	var rec progress.RemoteRecord
	err := c.execute(ctx, func() error {
		return c.do(ctx, http.MethodGet, c.recordURL(bookIdentifier), nil, "", &rec)
	})
	if err != nil {
		return progress.RemoteRecord{}, err
	}
	if rec.UserID != userID || rec.BookIdentifier != bookIdentifier {
		return progress.RemoteRecord{}, fmt.Errorf("%w: asked for %s/%s, got %s/%s",
			progress.ErrProtocolViolation, userID, bookIdentifier, rec.UserID, rec.BookIdentifier)
	}
	return rec, nil
}

// Push uploads rec. A delivery id on ctx is sent as Idempotency-Key. When the
// service keeps a newer record instead, Push returns a *progress.SupersededError
// carrying it.
func (c *Client) Push(ctx context.Context, rec progress.RemoteRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key, _ := progress.DeliveryIDFromContext(ctx)
	var stored *progress.RemoteRecord
	err = c.execute(ctx, func() error {
		return c.do(ctx, http.MethodPut, c.recordURL(rec.BookIdentifier), body, key, &stored)
	})
	if err != nil {
		return err
	}
	// The service answers with the record it holds; anything else means our
	// write lost to a newer one.
	if stored != nil && !stored.Same(rec) {
		if stored.UserID != rec.UserID || stored.BookIdentifier != rec.BookIdentifier {
			return fmt.Errorf("%w: stored record for %s/%s", progress.ErrProtocolViolation, stored.UserID, stored.BookIdentifier)
		}
		return &progress.SupersededError{Stored: *stored}
	}
	return nil
}

func (c *Client) recordURL(bookIdentifier string) string {
	return c.BaseURL + "/v1/progress/" + url.PathEscape(bookIdentifier)
}

func (c *Client) execute(ctx context.Context, fn func() error) error {
	if c.CB == nil {
		return fn()
	}
	_, err := c.CB.Execute(func() (interface{}, error) { return nil, fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", progress.ErrOffline, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, idempotencyKey string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		c.Log.Debug("progress service unreachable", zap.String("method", method), zap.String("url", u), zap.Error(err))
		return fmt.Errorf("%w: %v", progress.ErrOffline, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", progress.ErrOffline, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return progress.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d body=%q", progress.ErrProtocolViolation, resp.StatusCode, snippet(b))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode, Body: snippet(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		if errors.Is(err, progress.ErrProtocolViolation) {
			return err
		}
		return fmt.Errorf("%w: %v", progress.ErrProtocolViolation, err)
	}
	return nil
}

func snippet(b []byte) string {
	return string(b[:min(len(b), 200)])
}
