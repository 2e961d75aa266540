package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is a development-only in-memory store.
// WARNING: state is lost on restart and is not shared between replicas.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (s *Memory) Check(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	if len(s.seen) > 4096 {
		for k, exp := range s.seen {
			if !now.Before(exp) {
				delete(s.seen, k)
			}
		}
	}
	s.seen[key] = now.Add(s.ttl)
	return false, nil
}

func (s *Memory) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
	return nil
}
