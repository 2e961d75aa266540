package handlers

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/example/reading-sync/internal/platform/api"
	"github.com/example/reading-sync/internal/platform/auth"
	"github.com/example/reading-sync/internal/platform/httpserver"
)

// RateLimiter is a per-user token bucket. Requests without a user fall back
// to the client address.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (req/s) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), last: now}
		rl.buckets[key] = b
	}

	b.tokens = min(b.tokens+now.Sub(b.last).Seconds()*rl.rate, float64(rl.burst))
	b.last = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// Middleware must run after auth.RequireUser so the user id is known.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			key = "addr:" + r.RemoteAddr
		}
		if allowed, wait := rl.allow(key); !allowed {
			rid := httpserver.RequestIDFromContext(r.Context())
			w.Header().Set("Retry-After", formatSeconds(wait))
			api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func formatSeconds(d time.Duration) string {
	s := int(d.Seconds())
	if time.Duration(s)*time.Second < d {
		s++
	}
	return strconv.Itoa(max(s, 1))
}
