package localstore

import (
	"context"
	"sort"
	"sync"

	"github.com/example/reading-sync/internal/progress"
)

// Memory is an in-process LocalStore and Outbox. State is lost on exit.
type Memory struct {
	mu      sync.Mutex
	records map[string]progress.Record
	outbox  map[string]progress.SyncAction
}

var (
	_ progress.LocalStore = (*Memory)(nil)
	_ progress.Outbox     = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]progress.Record),
		outbox:  make(map[string]progress.SyncAction),
	}
}

func (m *Memory) Import(_ context.Context, bookID, bookIdentifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[bookID]; !ok {
		m.records[bookID] = progress.Record{BookID: bookID, BookIdentifier: bookIdentifier}
	}
	return nil
}

func (m *Memory) Read(_ context.Context, bookID string) (progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bookID]
	if !ok {
		return progress.Record{}, progress.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) WriteAtomic(_ context.Context, rec progress.Record) error {
	if !progress.ValidPercentage(rec.Percentage) {
		return progress.ErrInvalidPercentage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.BookID] = rec
	return nil
}

func (m *Memory) Delete(_ context.Context, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, bookID)
	return nil
}

func (m *Memory) Enqueue(_ context.Context, a progress.SyncAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox[a.ID] = a
	return nil
}

func (m *Memory) Due(_ context.Context, now int64, limit int) ([]progress.SyncAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]progress.SyncAction, 0, len(m.outbox))
	for _, a := range m.outbox {
		if a.NextAttemptAt <= now {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, nextAttemptAt int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.outbox[id]
	if !ok {
		return 0, progress.ErrNotFound
	}
	a.RetryCount++
	a.NextAttemptAt = nextAttemptAt
	m.outbox[id] = a
	return a.RetryCount, nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outbox, id)
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox), nil
}
