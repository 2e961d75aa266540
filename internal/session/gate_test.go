package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reading-sync/internal/coordinator"
	"github.com/example/reading-sync/internal/localstore"
	"github.com/example/reading-sync/internal/progress"
)

const (
	testUser   = "user-1"
	testDevice = "A"
	testBook   = "book-1"
	testIdent  = "isbn-1"
)

// ─── fakes ──────────────────────────────────────────────────────────────────

type fakeRemote struct {
	mu      sync.Mutex
	rec     *progress.RemoteRecord
	err     error
	release chan struct{} // when set, Fetch waits for it
	ignore  bool          // when set, Fetch ignores ctx while waiting
	pushes  []progress.RemoteRecord
}

func (f *fakeRemote) Fetch(ctx context.Context, _, _ string) (progress.RemoteRecord, error) {
	if f.release != nil {
		if f.ignore {
			<-f.release
		} else {
			select {
			case <-f.release:
			case <-ctx.Done():
				return progress.RemoteRecord{}, ctx.Err()
			}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return progress.RemoteRecord{}, f.err
	}
	if f.rec == nil {
		return progress.RemoteRecord{}, progress.ErrNotFound
	}
	return *f.rec, nil
}

func (f *fakeRemote) Push(_ context.Context, rec progress.RemoteRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, rec)
	return nil
}

func (f *fakeRemote) pushed() []progress.RemoteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]progress.RemoteRecord(nil), f.pushes...)
}

type fakeUI struct {
	mu        sync.Mutex
	applied   []string
	suggested []progress.RemoteRecord
	prompts   int
	choice    progress.Choice
	promptErr error
	statuses  []progress.Status
}

func (u *fakeUI) ApplyLocatorSilently(locator string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.applied = append(u.applied, locator)
}

func (u *fakeUI) PromptConflict(context.Context, progress.Record, progress.RemoteRecord) (progress.Choice, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompts++
	return u.choice, u.promptErr
}

func (u *fakeUI) SuggestJump(r progress.RemoteRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.suggested = append(u.suggested, r)
}

func (u *fakeUI) NotifyStatus(s progress.Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses = append(u.statuses, s)
}

func (u *fakeUI) snapshot() (applied []string, suggested int, prompts int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.applied...), len(u.suggested), u.prompts
}

type harness struct {
	store  *localstore.Memory
	coord  *coordinator.Coordinator
	remote *fakeRemote
	ui     *fakeUI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := localstore.NewMemory()
	remote := &fakeRemote{}
	coord := coordinator.New(store, store, remote, coordinator.Config{
		UserID: testUser, DeviceID: testDevice, Debounce: time.Hour,
	})
	require.NoError(t, store.Import(context.Background(), testBook, testIdent))
	return &harness{store: store, coord: coord, remote: remote, ui: &fakeUI{}}
}

func (h *harness) open(t *testing.T, timeout time.Duration) *Gate {
	t.Helper()
	g := Open(context.Background(), Config{
		UserID: testUser, DeviceID: testDevice,
		BookID: testBook, BookIdentifier: testIdent,
		CheckTimeout: timeout,
	}, Deps{Local: h.store, Remote: h.remote, Recorder: h.coord, UI: h.ui})
	t.Cleanup(g.Close)
	return g
}

func (h *harness) writeLocal(t *testing.T, loc string, pct float64, ts int64) {
	t.Helper()
	require.NoError(t, h.store.WriteAtomic(context.Background(), progress.Record{
		BookID: testBook, BookIdentifier: testIdent, Locator: loc, Percentage: pct, UpdatedAt: ts, DeviceID: testDevice,
	}))
}

func (h *harness) local(t *testing.T) progress.Record {
	t.Helper()
	rec, err := h.store.Read(context.Background(), testBook)
	require.NoError(t, err)
	return rec
}

func remoteRec(loc string, pct float64, ts int64, dev string) *progress.RemoteRecord {
	return &progress.RemoteRecord{UserID: testUser, DeviceID: dev, BookIdentifier: testIdent, Locator: loc, Percentage: pct, UpdatedAt: ts}
}

func waitReady(t *testing.T, g *Gate) {
	t.Helper()
	select {
	case <-g.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("remote check did not resolve")
	}
}

// ─── fresh device ───────────────────────────────────────────────────────────

func TestGate_FreshDeviceDoesNotOverwriteRemote(t *testing.T) {
	h := newHarness(t)
	h.remote.rec = remoteRec("ch5", 0.50, 50000, "B")
	h.remote.release = make(chan struct{})
	g := h.open(t, time.Second)
	ctx := context.Background()

	// Initial render reports page 1 before the remote answers.
	require.NoError(t, g.AttemptSave(ctx, "ch1-start", 0.0, false))
	assert.Equal(t, AwaitingRemoteCheck, g.Phase())
	assert.True(t, h.local(t).Untouched())

	close(h.remote.release)
	waitReady(t, g)

	assert.Equal(t, SaveBlocked, g.Phase())
	applied, _, _ := h.ui.snapshot()
	assert.Equal(t, []string{"ch5"}, applied)
	assert.True(t, h.local(t).Untouched(), "buffered render save must be dropped")

	require.NoError(t, h.coord.ForceSyncPending(ctx))
	assert.Empty(t, h.remote.pushed())
}

func TestGate_SaveBlockedOnlyOpensOnUserSave(t *testing.T) {
	h := newHarness(t)
	h.remote.rec = remoteRec("ch5", 0.50, 50000, "B")
	g := h.open(t, time.Second)
	waitReady(t, g)
	ctx := context.Background()
	require.Equal(t, SaveBlocked, g.Phase())

	for i := 0; i < 3; i++ {
		require.NoError(t, g.AttemptSave(ctx, "ch5", 0.50, false))
	}
	assert.Equal(t, SaveBlocked, g.Phase())
	require.NoError(t, h.coord.ForceSyncPending(ctx))
	assert.Empty(t, h.remote.pushed())

	require.NoError(t, g.AttemptSave(ctx, "ch5-p2", 0.51, true))
	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Equal(t, "ch5-p2", h.local(t).Locator)

	require.NoError(t, h.coord.ForceSyncPending(ctx))
	pushes := h.remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "ch5-p2", pushes[0].Locator)
	assert.Equal(t, testDevice, pushes[0].DeviceID)
}

func TestGate_UserSaveWhileAwaitingSuggestsInsteadOfJumping(t *testing.T) {
	h := newHarness(t)
	h.remote.rec = remoteRec("ch5", 0.50, 50000, "B")
	h.remote.release = make(chan struct{})
	g := h.open(t, time.Second)
	ctx := context.Background()

	require.NoError(t, g.AttemptSave(ctx, "ch1-p2", 0.01, true))
	require.NoError(t, g.AttemptSave(ctx, "ch1-p3", 0.02, false))
	close(h.remote.release)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Equal(t, "ch1-p3", h.local(t).Locator)
	applied, suggested, _ := h.ui.snapshot()
	assert.Empty(t, applied)
	assert.Equal(t, 1, suggested)
}

// ─── remote check outcomes ──────────────────────────────────────────────────

func TestGate_ConcurrentRemoteAdoptedSilently(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch3-p10", 0.30, 100000)
	h.remote.rec = remoteRec("ch3-p12", 0.31, 104000, "B")
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	applied, _, prompts := h.ui.snapshot()
	assert.Equal(t, []string{"ch3-p12"}, applied)
	assert.Zero(t, prompts)

	local := h.local(t)
	assert.Equal(t, "ch3-p12", local.Locator)
	assert.Equal(t, int64(104000), local.UpdatedAt)
	assert.Equal(t, "B", local.DeviceID)
	assert.Empty(t, h.remote.pushed())
}

func TestGate_BufferedRenderDoesNotOverwriteAdoptedRemote(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "p50", 0.50, 1000)
	h.remote.rec = remoteRec("p51", 0.51, 1005, "B")
	h.remote.release = make(chan struct{})
	g := h.open(t, time.Second)
	ctx := context.Background()

	require.NoError(t, g.AttemptSave(ctx, "p50", 0.50, false))
	close(h.remote.release)
	waitReady(t, g)

	local := h.local(t)
	assert.Equal(t, "p51", local.Locator)
	assert.Equal(t, int64(1005), local.UpdatedAt)
	assert.Equal(t, "B", local.DeviceID)

	require.NoError(t, h.coord.ForceSyncPending(ctx))
	assert.Empty(t, h.remote.pushed())
}

func TestGate_BufferedSaveDoesNotUndoUseRemote(t *testing.T) {
	for _, user := range []bool{false, true} {
		t.Run(map[bool]string{false: "render", true: "user"}[user], func(t *testing.T) {
			h := newHarness(t)
			h.writeLocal(t, "ch10", 0.80, 100000)
			h.remote.rec = remoteRec("ch2", 0.10, 80000, "B")
			h.remote.release = make(chan struct{})
			h.ui.choice = progress.UseRemote
			g := h.open(t, time.Second)
			ctx := context.Background()

			require.NoError(t, g.AttemptSave(ctx, "ch10", 0.80, user))
			close(h.remote.release)
			waitReady(t, g)

			assert.Equal(t, "ch2", h.local(t).Locator)
			require.NoError(t, h.coord.ForceSyncPending(ctx))
			assert.Empty(t, h.remote.pushed())
		})
	}
}

func TestGate_DismissedConflictDropsBufferedRender(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch10", 0.80, 100000)
	h.remote.rec = remoteRec("ch2", 0.10, 80000, "B")
	h.remote.release = make(chan struct{})
	h.ui.promptErr = errors.New("dismissed")
	g := h.open(t, time.Second)
	ctx := context.Background()

	require.NoError(t, g.AttemptSave(ctx, "ch10", 0.80, false))
	close(h.remote.release)
	waitReady(t, g)

	assert.Equal(t, int64(100000), h.local(t).UpdatedAt)
	require.NoError(t, h.coord.ForceSyncPending(ctx))
	assert.Empty(t, h.remote.pushed())
}

func TestGate_KeepLocalOrdersAfterRemoteFromFasterClock(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch10", 0.80, 100000)
	// Stamped by a device whose clock runs well ahead of ours.
	ahead := progress.NowMillis() + time.Hour.Milliseconds()
	h.remote.rec = remoteRec("ch2", 0.10, ahead, "B")
	h.ui.choice = progress.KeepLocal
	g := h.open(t, time.Second)
	waitReady(t, g)

	_, _, prompts := h.ui.snapshot()
	require.Equal(t, 1, prompts)
	pushes := h.remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "ch10", pushes[0].Locator)
	assert.Greater(t, pushes[0].UpdatedAt, ahead)
}

func TestGate_ConflictKeepLocal(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch10", 0.80, 100000)
	h.remote.rec = remoteRec("ch2", 0.10, 80000, "B")
	h.ui.choice = progress.KeepLocal
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	_, _, prompts := h.ui.snapshot()
	assert.Equal(t, 1, prompts)

	pushes := h.remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "ch10", pushes[0].Locator)
	assert.Greater(t, pushes[0].UpdatedAt, int64(100000))
}

func TestGate_ConflictUseRemote(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch10", 0.80, 100000)
	h.remote.rec = remoteRec("ch2", 0.10, 80000, "B")
	h.ui.choice = progress.UseRemote
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	applied, _, prompts := h.ui.snapshot()
	assert.Equal(t, 1, prompts)
	assert.Equal(t, []string{"ch2"}, applied)
	assert.Equal(t, "ch2", h.local(t).Locator)

	require.NoError(t, h.coord.ForceSyncPending(context.Background()))
	assert.Empty(t, h.remote.pushed())
}

func TestGate_ConflictDismissedKeepsLocalUntouched(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch10", 0.80, 100000)
	h.remote.rec = remoteRec("ch2", 0.10, 80000, "B")
	h.ui.promptErr = errors.New("dismissed")
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Equal(t, int64(100000), h.local(t).UpdatedAt)
	assert.Empty(t, h.remote.pushed())
}

func TestGate_LocalNewerPushesImmediately(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch8", 0.70, 300000)
	h.remote.rec = remoteRec("ch7", 0.40, 295000, "B")
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	pushes := h.remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, int64(300000), pushes[0].UpdatedAt)
}

func TestGate_NoRemotePushesExistingProgress(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "ch4", 0.40, 200000)
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Len(t, h.remote.pushed(), 1)
}

func TestGate_NoRemoteUntouchedPushesNothing(t *testing.T) {
	h := newHarness(t)
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Empty(t, h.remote.pushed())
}

func TestGate_SameAuthorOutsideWindowSuggestsJump(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.WriteAtomic(context.Background(), progress.Record{
		BookID: testBook, BookIdentifier: testIdent, Locator: "ch1", Percentage: 0.1, UpdatedAt: 100000, DeviceID: "B",
	}))
	h.remote.rec = remoteRec("ch6", 0.6, 500000, "B")
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	applied, suggested, prompts := h.ui.snapshot()
	assert.Empty(t, applied)
	assert.Equal(t, 1, suggested)
	assert.Zero(t, prompts)
}

// ─── fail open ──────────────────────────────────────────────────────────────

func TestGate_FetchErrorFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.remote.err = progress.ErrOffline
	g := h.open(t, time.Second)
	ctx := context.Background()
	require.NoError(t, g.AttemptSave(ctx, "ch1-p2", 0.02, false))
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Equal(t, "ch1-p2", h.local(t).Locator)
	applied, _, prompts := h.ui.snapshot()
	assert.Empty(t, applied)
	assert.Zero(t, prompts)
}

func TestGate_FetchTimeoutFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.remote.release = make(chan struct{})
	h.remote.ignore = true
	t.Cleanup(func() { close(h.remote.release) })

	start := time.Now()
	g := h.open(t, 50*time.Millisecond)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_ForeignRecordFailsOpen(t *testing.T) {
	h := newHarness(t)
	rec := remoteRec("ch5", 0.5, 50000, "B")
	rec.UserID = "someone-else"
	h.remote.rec = rec
	g := h.open(t, time.Second)
	waitReady(t, g)

	assert.Equal(t, SaveAllowed, g.Phase())
	applied, _, _ := h.ui.snapshot()
	assert.Empty(t, applied)
}

// ─── close ──────────────────────────────────────────────────────────────────

func TestGate_CloseRejectsSavesButKeepsCoordinatorWork(t *testing.T) {
	h := newHarness(t)
	g := h.open(t, time.Second)
	waitReady(t, g)
	ctx := context.Background()

	require.NoError(t, g.AttemptSave(ctx, "ch2", 0.2, true))
	g.Close()
	assert.ErrorIs(t, g.AttemptSave(ctx, "ch3", 0.3, true), progress.ErrSessionClosed)

	require.NoError(t, h.coord.ForceSyncPending(ctx))
	pushes := h.remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "ch2", pushes[0].Locator)
}

func TestGate_CloseDuringCheckDropsBufferedSave(t *testing.T) {
	h := newHarness(t)
	h.remote.rec = remoteRec("ch5", 0.5, 50000, "B")
	h.remote.release = make(chan struct{})
	g := h.open(t, time.Second)
	ctx := context.Background()

	require.NoError(t, g.AttemptSave(ctx, "ch1", 0.01, true))
	g.Close()
	close(h.remote.release)
	time.Sleep(50 * time.Millisecond)

	assert.True(t, h.local(t).Untouched())
	applied, _, _ := h.ui.snapshot()
	assert.Empty(t, applied)
}

func TestGate_RejectsBadPercentage(t *testing.T) {
	h := newHarness(t)
	g := h.open(t, time.Second)
	waitReady(t, g)
	assert.ErrorIs(t, g.AttemptSave(context.Background(), "x", 2, true), progress.ErrInvalidPercentage)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "save-blocked", SaveBlocked.String())
}
