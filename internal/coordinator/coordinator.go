// Package coordinator owns every write to local progress and every push to
// the remote store. Saves are committed locally at once and pushed after a
// per-book quiet period; undeliverable pushes wait in a durable outbox.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/reading-sync/internal/progress"
)

type Config struct {
	UserID   string
	DeviceID string

	Debounce     time.Duration
	PushTimeout  time.Duration
	MaxRetries   int
	PollInterval time.Duration
	BatchSize    int
	// Backoff returns the wait before redelivery after the n-th failure.
	Backoff func(n int) time.Duration
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = progress.DefaultDebounce
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = progress.DefaultNetTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = progress.MaxOutboxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Backoff == nil {
		c.Backoff = backoffDelay
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSupersededHandler is called, off the push path, when the remote keeps
// a newer record than the one pushed for bookID.
func WithSupersededHandler(fn func(bookID string, stored progress.RemoteRecord)) Option {
	return func(c *Coordinator) { c.onSuperseded = fn }
}

// WithClock replaces the epoch-millis clock.
func WithClock(now func() int64) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	cfg    Config
	store  progress.LocalStore
	outbox progress.Outbox
	remote progress.RemoteChannel
	log    *zap.Logger
	now    func() int64
	status *StatusFeed

	onSuperseded func(bookID string, stored progress.RemoteRecord)

	online atomic.Bool
	kick   chan struct{}

	mu     sync.Mutex
	books  map[string]*book
	closed bool
	wg     sync.WaitGroup
}

// book is the per-book scheduling state.
type book struct {
	writeMu sync.Mutex
	pushMu  sync.Mutex

	lastWritten atomic.Int64
	pushed      atomic.Int64 // newest UpdatedAt acknowledged by the remote
	queued      atomic.Int64 // newest UpdatedAt handed to the outbox
	rejected    atomic.Int64 // newest UpdatedAt the remote declined as superseded

	pending *debounce // guarded by Coordinator.mu
}

// debounce is one armed timer. Whoever wins claim owns the push.
type debounce struct {
	timer   *time.Timer
	claimed atomic.Bool
}

func (d *debounce) claim() bool { return d.claimed.CompareAndSwap(false, true) }

func New(store progress.LocalStore, outbox progress.Outbox, remote progress.RemoteChannel, cfg Config, opts ...Option) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		outbox: outbox,
		remote: remote,
		log:    zap.NewNop(),
		now:    progress.NowMillis,
		status: NewStatusFeed(),
		kick:   make(chan struct{}, 1),
		books:  make(map[string]*book),
	}
	c.online.Store(true)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Status() progress.Status { return c.status.Current() }

// Subscribe streams status changes, latest value only.
func (c *Coordinator) Subscribe() (<-chan progress.Status, func()) { return c.status.Subscribe() }

func (c *Coordinator) book(bookID string) *book {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[bookID]
	if !ok {
		b = &book{}
		c.books[bookID] = b
	}
	return b
}

// Record commits a save locally and arms the book's debounce timer,
// replacing any timer already armed.
func (c *Coordinator) Record(ctx context.Context, bookID, bookIdentifier, locator string, percentage float64) (progress.Record, error) {
	return c.record(ctx, bookID, bookIdentifier, locator, percentage, 0)
}

// RecordOver is Record for a value that must order after floor, such as a
// kept local position replacing a remote one stamped by a faster clock.
func (c *Coordinator) RecordOver(ctx context.Context, bookID, bookIdentifier, locator string, percentage float64, floor int64) (progress.Record, error) {
	return c.record(ctx, bookID, bookIdentifier, locator, percentage, floor)
}

func (c *Coordinator) record(ctx context.Context, bookID, bookIdentifier, locator string, percentage float64, floor int64) (progress.Record, error) {
	if !progress.ValidPercentage(percentage) {
		return progress.Record{}, progress.ErrInvalidPercentage
	}
	b := c.book(bookID)

	b.writeMu.Lock()
	if b.lastWritten.Load() == 0 {
		if prev, err := c.store.Read(ctx, bookID); err == nil {
			b.lastWritten.Store(prev.UpdatedAt)
		}
	}
	ts := c.now()
	if last := max(b.lastWritten.Load(), floor); ts <= last {
		ts = last + 1
	}
	rec := progress.Record{
		BookID:         bookID,
		BookIdentifier: bookIdentifier,
		Locator:        locator,
		Percentage:     percentage,
		UpdatedAt:      ts,
		DeviceID:       c.cfg.DeviceID,
	}
	err := c.store.WriteAtomic(ctx, rec)
	if err == nil {
		b.lastWritten.Store(ts)
	}
	b.writeMu.Unlock()
	if err != nil {
		return progress.Record{}, err
	}

	c.schedule(bookID, b)
	return rec, nil
}

// Adopt stores a remote value locally, keeping its timestamp and author.
// The remote already holds it, so nothing is pushed.
func (c *Coordinator) Adopt(ctx context.Context, bookID string, remote progress.RemoteRecord) (progress.Record, error) {
	b := c.book(bookID)
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	rec := progress.Record{
		BookID:         bookID,
		BookIdentifier: remote.BookIdentifier,
		Locator:        remote.Locator,
		Percentage:     remote.Percentage,
		UpdatedAt:      remote.UpdatedAt,
		DeviceID:       remote.DeviceID,
	}
	if err := c.store.WriteAtomic(ctx, rec); err != nil {
		return progress.Record{}, err
	}
	raise(&b.lastWritten, rec.UpdatedAt)
	raise(&b.pushed, rec.UpdatedAt)
	return rec, nil
}

func (c *Coordinator) schedule(bookID string, b *book) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev := b.pending; prev != nil && prev.claim() {
		prev.timer.Stop()
	}
	d := &debounce{}
	d.timer = time.AfterFunc(c.cfg.Debounce, func() { c.fire(bookID, b, d) })
	b.pending = d
}

func (c *Coordinator) fire(bookID string, b *book, d *debounce) {
	c.mu.Lock()
	if c.closed || !d.claim() {
		c.mu.Unlock()
		return
	}
	if b.pending == d {
		b.pending = nil
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	if err := c.push(context.Background(), bookID, b); err != nil {
		c.log.Warn("debounced push failed", zap.String("book_id", bookID), zap.Error(err))
	}
}

// cancelTimer claims and stops the armed timer, if any. Caller holds c.mu.
func (b *book) cancelTimer() bool {
	d := b.pending
	b.pending = nil
	if d == nil || !d.claim() {
		return false
	}
	d.timer.Stop()
	return true
}

func (b *book) dirty() bool {
	settled := max(b.pushed.Load(), b.rejected.Load())
	if q := b.queued.Load(); q > settled {
		settled = q
	}
	return b.lastWritten.Load() > settled
}

// ForceSyncPending cancels every armed timer and pushes those books now.
// Books are pushed concurrently; each book still has at most one push.
func (c *Coordinator) ForceSyncPending(ctx context.Context) error {
	c.mu.Lock()
	targets := make(map[string]*book)
	for id, b := range c.books {
		if b.cancelTimer() || b.dirty() {
			targets[id] = b
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, b := range targets {
		g.Go(func() error { return c.push(gctx, id, b) })
	}
	return g.Wait()
}

// PushNow pushes one book immediately, cancelling its timer.
func (c *Coordinator) PushNow(ctx context.Context, bookID string) error {
	b := c.book(bookID)
	c.mu.Lock()
	b.cancelTimer()
	c.mu.Unlock()
	return c.push(ctx, bookID, b)
}

// Remove forgets a book: pending work is cancelled and local progress deleted.
func (c *Coordinator) Remove(ctx context.Context, bookID string) error {
	c.mu.Lock()
	if b, ok := c.books[bookID]; ok {
		b.cancelTimer()
		delete(c.books, bookID)
	}
	c.mu.Unlock()
	return c.store.Delete(ctx, bookID)
}

// SetOnline records connectivity. While offline, due pushes go straight to
// the outbox. Coming back online triggers an outbox flush in Run.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	switch {
	case !online:
		c.status.Publish(progress.Offline())
	case !was:
		c.wake()
	}
}

func (c *Coordinator) Online() bool { return c.online.Load() }

func (c *Coordinator) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// push sends the book's latest local value. Failures never surface to the
// caller as errors; they become outbox entries and a status change.
func (c *Coordinator) push(ctx context.Context, bookID string, b *book) error {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	rec, err := c.store.Read(ctx, bookID)
	if errors.Is(err, progress.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read progress %s: %w", bookID, err)
	}
	if rec.Untouched() || rec.UpdatedAt <= max(b.pushed.Load(), b.rejected.Load()) {
		return nil
	}

	author := rec.DeviceID
	if author == "" {
		author = c.cfg.DeviceID
	}
	payload := rec.ToRemote(c.cfg.UserID, author)

	if !c.online.Load() {
		c.enqueue(ctx, bookID, b, payload, progress.Offline())
		return nil
	}

	c.status.Publish(progress.Syncing())
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PushTimeout)
	err = c.remote.Push(pctx, payload)
	cancel()

	switch {
	case err == nil:
		raise(&b.pushed, rec.UpdatedAt)
		c.status.Publish(progress.Success())
	case errors.Is(err, progress.ErrSuperseded):
		c.superseded(bookID, b, rec.UpdatedAt, err)
	case errors.Is(err, progress.ErrProtocolViolation):
		c.log.Error("remote rejected progress",
			zap.String("book_id", bookID),
			zap.String("book_identifier", rec.BookIdentifier),
			zap.Error(err))
		c.status.Publish(progress.Failed("remote rejected progress"))
	case errors.Is(err, progress.ErrOffline):
		c.online.Store(false)
		c.enqueue(ctx, bookID, b, payload, progress.Offline())
	default:
		c.log.Warn("push failed", zap.String("book_id", bookID), zap.Error(err))
		c.enqueue(ctx, bookID, b, payload, progress.Failed(err.Error()))
	}
	return nil
}

// superseded settles a push the remote declined. The local value stays as it
// is and is not retried; the handler decides what the reader sees.
func (c *Coordinator) superseded(bookID string, b *book, updatedAt int64, err error) {
	raise(&b.rejected, updatedAt)
	c.log.Info("remote kept newer progress", zap.String("book_id", bookID), zap.Error(err))
	c.status.Publish(progress.Failed("newer progress from another device"))

	var se *progress.SupersededError
	if c.onSuperseded != nil && errors.As(err, &se) {
		stored := se.Stored
		go c.onSuperseded(bookID, stored)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, bookID string, b *book, payload progress.RemoteRecord, st progress.Status) {
	a, err := progress.NewPushAction(bookID, payload, c.now())
	if err == nil {
		err = c.outbox.Enqueue(ctx, a)
	}
	if err != nil {
		c.log.Error("outbox enqueue failed", zap.String("book_id", bookID), zap.Error(err))
		c.status.Publish(progress.Failed("could not queue progress"))
		return
	}
	raise(&b.queued, payload.UpdatedAt)
	c.status.Publish(st)
}

func raise(v *atomic.Int64, to int64) {
	for {
		cur := v.Load()
		if to <= cur || v.CompareAndSwap(cur, to) {
			return
		}
	}
}
