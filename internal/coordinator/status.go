package coordinator

import (
	"sync"

	"github.com/example/reading-sync/internal/progress"
)

// StatusFeed broadcasts the latest sync status. Subscribers that fall behind
// only ever see the newest value.
type StatusFeed struct {
	mu   sync.Mutex
	cur  progress.Status
	subs map[int]chan progress.Status
	next int
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{cur: progress.Idle(), subs: make(map[int]chan progress.Status)}
}

func (f *StatusFeed) Publish(s progress.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = s
	for _, ch := range f.subs {
		replace(ch, s)
	}
}

func (f *StatusFeed) Current() progress.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// Subscribe returns a channel primed with the current status and a cancel
// func that closes it.
func (f *StatusFeed) Subscribe() (<-chan progress.Status, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan progress.Status, 1)
	ch <- f.cur
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

func replace(ch chan progress.Status, s progress.Status) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
