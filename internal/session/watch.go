package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/conflict"
	"github.com/example/reading-sync/internal/progress"
)

// Watch follows realtime remote updates for the session's book until the
// session closes.
func (g *Gate) Watch(sub progress.Subscriber) error {
	ch, err := sub.Subscribe(g.life, g.cfg.UserID, g.cfg.BookIdentifier)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-g.life.Done():
				return
			case rec, ok := <-ch:
				if !ok {
					return
				}
				g.onRemote(rec)
			}
		}
	}()
	return nil
}

// Reconcile classifies a remote record learned outside the stream, such as
// the newer record returned when a push was superseded. It may block on a
// conflict prompt.
func (g *Gate) Reconcile(rec progress.RemoteRecord) {
	g.onRemote(rec)
}

func (g *Gate) onRemote(rec progress.RemoteRecord) {
	if g.life.Err() != nil || rec.DeviceID == g.cfg.DeviceID {
		return
	}
	if err := g.accept(rec); err != nil {
		g.log.Warn("dropping remote update", zap.Error(err))
		return
	}
	phase := g.Phase()
	if phase == AwaitingRemoteCheck || !g.markSeen(rec) {
		return
	}

	ctx := g.life
	var local *progress.Record
	cur, err := g.deps.Local.Read(ctx, g.cfg.BookID)
	switch {
	case err == nil:
		local = &cur
	case !errors.Is(err, progress.ErrNotFound):
		g.log.Warn("read local progress", zap.Error(err))
		return
	}

	d := g.policy.Classify(local, &rec, g.cfg.DeviceID)
	switch d.Outcome {
	case conflict.RemoteNewer:
		switch {
		case phase == SaveBlocked || local == nil || local.Untouched():
			g.applySilently(rec)
		case d.Convergent:
		default:
			g.deps.UI.SuggestJump(rec)
		}
	case conflict.Conflict:
		if keepLocal, ok := g.promptConflict(ctx, *local, rec); ok && keepLocal {
			g.pushNow(ctx)
		}
	}
}
