// Package app assembles the device-side sync engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/coordinator"
	"github.com/example/reading-sync/internal/localstore"
	"github.com/example/reading-sync/internal/progress"
	"github.com/example/reading-sync/internal/remote"
	"github.com/example/reading-sync/internal/session"
	"github.com/example/reading-sync/services/reader/internal/config"
)

// App owns the local database, the remote client and the coordinator for
// one CLI invocation.
type App struct {
	Cfg    config.Config
	Log    *zap.Logger
	Store  *localstore.Store
	Remote *remote.Client
	Coord  *coordinator.Coordinator

	mu       sync.Mutex
	sessions map[string]*session.Gate
}

// Open opens the local database and builds the engine. The caller must
// Close it.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	st, err := localstore.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	client := remote.New(cfg.ServerURL, cfg.Token,
		remote.WithCircuitBreaker(remote.NewBreaker("progress", log)),
		remote.WithLogger(log),
	)
	a := &App{Cfg: cfg, Log: log, Store: st, Remote: client, sessions: make(map[string]*session.Gate)}
	a.Coord = coordinator.New(st, st, client, coordinator.Config{
		UserID:       cfg.UserID,
		DeviceID:     cfg.DeviceID,
		Debounce:     cfg.Debounce,
		PushTimeout:  cfg.PushTimeout,
		PollInterval: cfg.OutboxPoll,
	}, coordinator.WithLogger(log), coordinator.WithSupersededHandler(a.superseded))
	return a, nil
}

// superseded hands the newer remote record to the book's open session, if
// any, so the reader gets a jump hint or a conflict prompt.
func (a *App) superseded(bookID string, stored progress.RemoteRecord) {
	a.mu.Lock()
	g := a.sessions[bookID]
	a.mu.Unlock()
	if g == nil {
		a.Log.Info("newer remote progress for closed book", zap.String("book_id", bookID))
		return
	}
	g.Reconcile(stored)
}

// Import registers a book with an untouched record.
func (a *App) Import(ctx context.Context, bookID, bookIdentifier string) error {
	return a.Store.Import(ctx, bookID, bookIdentifier)
}

// OpenSession starts the remote check for a previously imported book.
func (a *App) OpenSession(ctx context.Context, bookID string, ui progress.Presentation) (*session.Gate, error) {
	rec, err := a.Store.Read(ctx, bookID)
	if errors.Is(err, progress.ErrNotFound) {
		return nil, fmt.Errorf("book %q is not imported", bookID)
	}
	if err != nil {
		return nil, err
	}
	g := session.Open(ctx, session.Config{
		UserID:         a.Cfg.UserID,
		DeviceID:       a.Cfg.DeviceID,
		BookID:         bookID,
		BookIdentifier: rec.BookIdentifier,
		CheckTimeout:   a.Cfg.CheckTimeout,
	}, session.Deps{
		Local:    a.Store,
		Remote:   a.Remote,
		Recorder: a.Coord,
		UI:       ui,
	}, session.WithLogger(a.Log))

	a.mu.Lock()
	a.sessions[bookID] = g
	a.mu.Unlock()
	return g, nil
}

// ForwardStatus relays coordinator status changes to ui until ctx is done.
func (a *App) ForwardStatus(ctx context.Context, ui progress.Presentation) {
	ch, cancel := a.Coord.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				ui.NotifyStatus(s)
			}
		}
	}()
}

// Close flushes pending debounced saves, then closes the database.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.PushTimeout+5*time.Second)
	defer cancel()
	err := a.Coord.Close(ctx)
	return errors.Join(err, a.Store.Close())
}
