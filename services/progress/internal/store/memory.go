package store

import (
	"context"
	"sort"
	"sync"

	"github.com/example/reading-sync/internal/progress"
)

type key struct{ user, book string }

// Memory is the development Repository. State is lost on restart.
type Memory struct {
	mu   sync.RWMutex
	recs map[key]progress.RemoteRecord
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[key]progress.RemoteRecord)}
}

func (m *Memory) Get(_ context.Context, userID, bookIdentifier string) (progress.RemoteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key{userID, bookIdentifier}]
	if !ok {
		return progress.RemoteRecord{}, progress.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Put(_ context.Context, rec progress.RemoteRecord) (progress.RemoteRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{rec.UserID, rec.BookIdentifier}
	if cur, ok := m.recs[k]; ok && !supersedes(rec, cur) {
		return cur, false, nil
	}
	m.recs[k] = rec
	return rec, true, nil
}

func (m *Memory) List(_ context.Context, userID string, limit int, cursor *Cursor) ([]progress.RemoteRecord, error) {
	m.mu.RLock()
	var out []progress.RemoteRecord
	for k, rec := range m.recs {
		if k.user == userID && cursor.after(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].BookIdentifier > out[j].BookIdentifier
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
