package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/progress"
)

// FlushOutbox delivers due outbox entries oldest first. An entry that fails
// MaxRetries times is dropped and reported as a Failed status.
func (c *Coordinator) FlushOutbox(ctx context.Context) error {
	due, err := c.outbox.Due(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	newest := make(map[string]string, len(due))
	for _, a := range due {
		newest[a.Key] = a.ID
	}
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.deliver(ctx, a, newest[a.Key] != a.ID)
	}
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, a progress.SyncAction, superseded bool) {
	b := c.book(a.Key)
	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	if superseded || a.Payload.UpdatedAt <= max(b.pushed.Load(), b.rejected.Load()) {
		c.log.Debug("outbox entry superseded", zap.String("id", a.ID), zap.String("book_id", a.Key))
		c.drop(ctx, a.ID)
		return
	}

	c.status.Publish(progress.Syncing())
	pctx, cancel := context.WithTimeout(progress.WithDeliveryID(ctx, a.ID), c.cfg.PushTimeout)
	err := c.remote.Push(pctx, a.Payload)
	cancel()

	if err == nil {
		c.drop(ctx, a.ID)
		raise(&b.pushed, a.Payload.UpdatedAt)
		c.online.Store(true)
		c.status.Publish(progress.Success())
		return
	}
	if errors.Is(err, progress.ErrSuperseded) {
		c.drop(ctx, a.ID)
		c.superseded(a.Key, b, a.Payload.UpdatedAt, err)
		return
	}
	if errors.Is(err, progress.ErrProtocolViolation) {
		c.log.Error("remote rejected queued progress",
			zap.String("id", a.ID),
			zap.String("book_id", a.Key),
			zap.Error(err))
		c.drop(ctx, a.ID)
		c.status.Publish(progress.Failed("remote rejected progress"))
		return
	}

	next := c.now() + c.cfg.Backoff(a.RetryCount+1).Milliseconds()
	n, merr := c.outbox.MarkFailed(ctx, a.ID, next)
	if merr != nil {
		c.log.Error("outbox mark failed", zap.String("id", a.ID), zap.Error(merr))
		return
	}
	if n >= c.cfg.MaxRetries {
		c.log.Warn("dropping outbox entry after retry budget",
			zap.String("id", a.ID),
			zap.String("book_id", a.Key),
			zap.String("book_identifier", a.Payload.BookIdentifier),
			zap.Int("attempt", n),
			zap.Error(err))
		c.drop(ctx, a.ID)
		c.status.Publish(progress.Failed(fmt.Sprintf("gave up syncing %s after %d attempts", a.Key, n)))
		return
	}

	c.log.Info("outbox delivery failed",
		zap.String("id", a.ID),
		zap.String("book_id", a.Key),
		zap.Int("attempt", n),
		zap.Error(err))
	if errors.Is(err, progress.ErrOffline) {
		c.online.Store(false)
		c.status.Publish(progress.Offline())
	} else {
		c.status.Publish(progress.Failed(err.Error()))
	}
}

func (c *Coordinator) drop(ctx context.Context, id string) {
	if err := c.outbox.Remove(ctx, id); err != nil {
		c.log.Error("outbox remove failed", zap.String("id", id), zap.Error(err))
	}
}

// Run flushes the outbox every PollInterval and whenever connectivity
// returns, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.flushLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.kick:
		}
		c.flushLogged(ctx)
	}
}

func (c *Coordinator) flushLogged(ctx context.Context) {
	if err := c.FlushOutbox(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("outbox flush failed", zap.Error(err))
	}
}

// Close stops arming timers, pushes every book with unsent saves and waits
// for pushes already started by timers.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, b := range c.books {
		b.cancelTimer()
	}
	c.mu.Unlock()

	err := c.ForceSyncPending(ctx)
	c.wg.Wait()
	return err
}
