// Package session gates the saves of one open book until the remote copy
// has been checked, so opening a book on a fresh device never overwrites
// progress made elsewhere.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/conflict"
	"github.com/example/reading-sync/internal/progress"
)

type Phase int

const (
	// AwaitingRemoteCheck buffers the latest save until the remote answers.
	AwaitingRemoteCheck Phase = iota
	// SaveBlocked follows a silent remote adoption. Only a user-initiated
	// save leaves it.
	SaveBlocked
	SaveAllowed
)

func (p Phase) String() string {
	switch p {
	case AwaitingRemoteCheck:
		return "awaiting-remote-check"
	case SaveBlocked:
		return "save-blocked"
	case SaveAllowed:
		return "save-allowed"
	default:
		return "unknown"
	}
}

// Recorder is the part of the sync coordinator a session drives.
type Recorder interface {
	Record(ctx context.Context, bookID, bookIdentifier, locator string, percentage float64) (progress.Record, error)
	RecordOver(ctx context.Context, bookID, bookIdentifier, locator string, percentage float64, floor int64) (progress.Record, error)
	Adopt(ctx context.Context, bookID string, remote progress.RemoteRecord) (progress.Record, error)
	PushNow(ctx context.Context, bookID string) error
}

type LocalReader interface {
	Read(ctx context.Context, bookID string) (progress.Record, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, userID, bookIdentifier string) (progress.RemoteRecord, error)
}

type Config struct {
	UserID         string
	DeviceID       string
	BookID         string
	BookIdentifier string
	// CheckTimeout bounds the remote check. The gate fails open after it.
	CheckTimeout time.Duration
}

// Deps are the collaborators of a session. UI must be safe for concurrent
// use: the remote check and the realtime watcher both call it.
type Deps struct {
	Local    LocalReader
	Remote   Fetcher
	Recorder Recorder
	UI       progress.Presentation
}

type Option func(*Gate)

func WithLogger(log *zap.Logger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

func WithPolicy(p conflict.Policy) Option {
	return func(g *Gate) { g.policy = p }
}

type pendingSave struct {
	locator    string
	percentage float64
	user       bool
}

// Gate is the per-open-book session.
type Gate struct {
	cfg    Config
	deps   Deps
	policy conflict.Policy
	log    *zap.Logger

	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	phase    Phase
	buffered *pendingSave
	closed   bool
	// seen is the newest remote record already classified.
	seen *progress.RemoteRecord

	ready     chan struct{}
	readyOnce sync.Once
	promptMu  sync.Mutex
}

// Open starts a session in AwaitingRemoteCheck and checks the remote copy
// in the background.
func Open(ctx context.Context, cfg Config, deps Deps, opts ...Option) *Gate {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = progress.DefaultNetTimeout
	}
	life, cancel := context.WithCancel(ctx)
	g := &Gate{
		cfg:    cfg,
		deps:   deps,
		policy: conflict.Default(),
		log:    zap.NewNop(),
		life:   life,
		cancel: cancel,
		phase:  AwaitingRemoteCheck,
		ready:  make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.With(zap.String("book_id", cfg.BookID), zap.String("book_identifier", cfg.BookIdentifier))
	go g.check()
	return g
}

func (g *Gate) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Ready is closed once the remote check has resolved or the session closed.
func (g *Gate) Ready() <-chan struct{} { return g.ready }

// AttemptSave routes a reader position change according to the phase.
func (g *Gate) AttemptSave(ctx context.Context, locator string, percentage float64, userInitiated bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attemptLocked(ctx, pendingSave{locator: locator, percentage: percentage, user: userInitiated})
}

func (g *Gate) attemptLocked(ctx context.Context, s pendingSave) error {
	if g.closed {
		return progress.ErrSessionClosed
	}
	if !progress.ValidPercentage(s.percentage) {
		return progress.ErrInvalidPercentage
	}
	switch g.phase {
	case AwaitingRemoteCheck:
		// Keep the newest position; once the user has interacted, that sticks.
		if g.buffered != nil && g.buffered.user {
			s.user = true
		}
		g.buffered = &s
		return nil
	case SaveBlocked:
		if !s.user {
			return nil
		}
		g.phase = SaveAllowed
	}
	_, err := g.deps.Recorder.Record(ctx, g.cfg.BookID, g.cfg.BookIdentifier, s.locator, s.percentage)
	return err
}

// Close discards the session. Work already handed to the coordinator keeps
// running.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.buffered = nil
	g.mu.Unlock()
	g.cancel()
	g.readyOnce.Do(func() { close(g.ready) })
}

// discardBuffered drops the save held during the remote check. It describes
// the position the reader is leaving when a remote value is adopted.
func (g *Gate) discardBuffered() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffered != nil {
		g.log.Debug("buffered save superseded by remote progress", zap.Bool("user", g.buffered.user))
		g.buffered = nil
	}
}

// dropRenderSave drops a buffered save unless the user initiated it.
func (g *Gate) dropRenderSave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffered != nil && !g.buffered.user {
		g.buffered = nil
	}
}

// markSeen records rec as classified. It reports false when rec does not
// order after a record already handled, e.g. the current record a stream
// resends on reconnect.
func (g *Gate) markSeen(rec progress.RemoteRecord) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.seen; s != nil && (rec.Same(*s) || rec.UpdatedAt < s.UpdatedAt) {
		return false
	}
	g.seen = &rec
	return true
}

func (g *Gate) userInteracted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buffered != nil && g.buffered.user
}

func (g *Gate) resolve(p Phase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.phase = p
	g.readyOnce.Do(func() { close(g.ready) })

	buf := g.buffered
	g.buffered = nil
	if buf == nil {
		return
	}
	if err := g.attemptLocked(g.life, *buf); err != nil {
		g.log.Warn("buffered save failed", zap.Error(err))
	}
}

func (g *Gate) check() {
	ctx := g.life

	var local *progress.Record
	rec, err := g.deps.Local.Read(ctx, g.cfg.BookID)
	switch {
	case err == nil:
		local = &rec
	case errors.Is(err, progress.ErrNotFound):
	default:
		g.log.Error("local progress unreadable; saving without remote check", zap.Error(err))
		g.resolve(SaveAllowed)
		return
	}

	remote, err := g.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		g.log.Warn("remote check failed; saving locally", zap.Error(err))
		g.resolve(SaveAllowed)
		return
	}

	g.decide(ctx, local, remote)
}

// fetch returns nil when the user has no remote record. It gives up after
// CheckTimeout even if the channel ignores cancellation.
func (g *Gate) fetch(ctx context.Context) (*progress.RemoteRecord, error) {
	fctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()

	type result struct {
		rec progress.RemoteRecord
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rec, err := g.deps.Remote.Fetch(fctx, g.cfg.UserID, g.cfg.BookIdentifier)
		ch <- result{rec, err}
	}()

	select {
	case <-fctx.Done():
		return nil, fmt.Errorf("remote check: %w", fctx.Err())
	case res := <-ch:
		if errors.Is(res.err, progress.ErrNotFound) {
			return nil, nil
		}
		if res.err != nil {
			return nil, res.err
		}
		if err := g.accept(res.rec); err != nil {
			return nil, err
		}
		return &res.rec, nil
	}
}

// accept rejects records that do not belong to this session.
func (g *Gate) accept(rec progress.RemoteRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UserID != g.cfg.UserID || rec.BookIdentifier != g.cfg.BookIdentifier {
		return fmt.Errorf("%w: record for %s/%s", progress.ErrProtocolViolation, rec.UserID, rec.BookIdentifier)
	}
	return nil
}

func (g *Gate) decide(ctx context.Context, local *progress.Record, remote *progress.RemoteRecord) {
	if remote != nil {
		g.markSeen(*remote)
	}
	d := g.policy.Classify(local, remote, g.cfg.DeviceID)
	g.log.Debug("remote check", zap.Stringer("outcome", d.Outcome), zap.Bool("concurrent", d.Concurrent))

	switch d.Outcome {
	case conflict.NoRemote:
		g.resolve(SaveAllowed)
		if local != nil && !local.Untouched() {
			g.pushNow(ctx)
		}

	case conflict.LocalNewer:
		g.resolve(SaveAllowed)
		if !d.Convergent {
			g.pushNow(ctx)
		}

	case conflict.RemoteNewer:
		switch {
		case g.userInteracted() && !d.Convergent:
			// The reader already moved on this device; do not yank them away.
			g.deps.UI.SuggestJump(*remote)
			g.resolve(SaveAllowed)
		case local == nil || local.Untouched():
			g.discardBuffered()
			g.applySilently(*remote)
			g.resolve(SaveBlocked)
		case d.Concurrent:
			g.adopt(ctx, *remote)
			g.resolve(SaveAllowed)
		case d.Convergent:
			g.resolve(SaveAllowed)
		default:
			// Only a renderer report can be buffered here; it repeats the
			// older local position.
			g.discardBuffered()
			g.deps.UI.SuggestJump(*remote)
			g.resolve(SaveAllowed)
		}

	case conflict.Conflict:
		keepLocal, ok := g.promptConflict(ctx, *local, *remote)
		if !ok {
			g.dropRenderSave()
		}
		g.resolve(SaveAllowed)
		if ok && keepLocal {
			g.pushNow(ctx)
		}
	}
}

// promptConflict asks the user and applies the answer. ok is false when the
// prompt was dismissed; local progress is then left as it is.
func (g *Gate) promptConflict(ctx context.Context, local progress.Record, remote progress.RemoteRecord) (keepLocal, ok bool) {
	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	g.log.Info("progress conflict",
		zap.Int64("local_updated_at", local.UpdatedAt),
		zap.Int64("remote_updated_at", remote.UpdatedAt),
		zap.String("remote_device_id", remote.DeviceID))

	choice, err := g.deps.UI.PromptConflict(ctx, local, remote)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Warn("conflict prompt dismissed", zap.Error(err))
		}
		return false, false
	}

	if choice == progress.UseRemote {
		g.adopt(ctx, remote)
		return false, true
	}
	// Re-stamp so the kept position orders after the one it replaced.
	if _, err := g.deps.Recorder.RecordOver(ctx, g.cfg.BookID, g.cfg.BookIdentifier, local.Locator, local.Percentage, remote.UpdatedAt); err != nil {
		g.log.Error("keep local progress", zap.Error(err))
		return true, false
	}
	return true, true
}

// adopt makes remote the local value. Any save buffered during the remote
// check is dropped so it cannot overwrite the adopted value.
func (g *Gate) adopt(ctx context.Context, remote progress.RemoteRecord) {
	g.discardBuffered()
	if _, err := g.deps.Recorder.Adopt(ctx, g.cfg.BookID, remote); err != nil {
		g.log.Error("adopt remote progress", zap.Error(err))
	}
	g.applySilently(remote)
}

func (g *Gate) applySilently(remote progress.RemoteRecord) {
	if p, ok := g.deps.UI.(progress.PositionApplier); ok {
		p.ApplyPositionSilently(remote.Locator, remote.Percentage)
		return
	}
	g.deps.UI.ApplyLocatorSilently(remote.Locator)
}

func (g *Gate) pushNow(ctx context.Context) {
	if err := g.deps.Recorder.PushNow(ctx, g.cfg.BookID); err != nil {
		g.log.Warn("push after remote check", zap.Error(err))
	}
}
