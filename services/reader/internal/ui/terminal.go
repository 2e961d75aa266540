// Package ui is the terminal presentation of the reader.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/example/reading-sync/internal/progress"
)

// ErrDismissed is returned when the user closes the conflict prompt without
// choosing.
var ErrDismissed = errors.New("conflict prompt dismissed")

// AskFunc asks the user to resolve a conflict.
type AskFunc func(ctx context.Context, local progress.Record, remote progress.RemoteRecord) (progress.Choice, error)

// Terminal implements progress.Presentation on a line-oriented terminal. It
// tracks where the reader currently is and the latest jump suggestion.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	ask     AskFunc
	locator string
	pct     float64
	jump    *progress.RemoteRecord
	last    progress.Status
	seen    bool
}

// NewTerminal writes to out. A nil ask uses an interactive huh form.
func NewTerminal(out io.Writer, ask AskFunc) *Terminal {
	if ask == nil {
		ask = HuhAsk
	}
	return &Terminal{out: out, ask: ask}
}

// Fixed answers every conflict the same way without prompting.
func Fixed(c progress.Choice) AskFunc {
	return func(context.Context, progress.Record, progress.RemoteRecord) (progress.Choice, error) {
		return c, nil
	}
}

// HuhAsk shows a two-option select.
func HuhAsk(ctx context.Context, local progress.Record, remote progress.RemoteRecord) (progress.Choice, error) {
	choice := progress.KeepLocal
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[progress.Choice]().
			Title("Reading position differs on another device").
			Description(fmt.Sprintf("This device: %s\n%s: %s",
				Describe(local.Locator, local.Percentage, local.UpdatedAt),
				remote.DeviceID,
				Describe(remote.Locator, remote.Percentage, remote.UpdatedAt))).
			Options(
				huh.NewOption("Stay here", progress.KeepLocal),
				huh.NewOption("Jump to "+remote.DeviceID+"'s position", progress.UseRemote),
			).
			Value(&choice),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return progress.KeepLocal, ErrDismissed
		}
		return progress.KeepLocal, err
	}
	return choice, nil
}

// Describe formats a position for humans.
func Describe(locator string, pct float64, updatedAt int64) string {
	s := fmt.Sprintf("%s (%.0f%%)", locator, pct*100)
	if updatedAt > 0 {
		s += " at " + time.UnixMilli(updatedAt).Local().Format("Jan 2 15:04:05")
	}
	return s
}

// SetPosition records where the reader is without announcing it.
func (t *Terminal) SetPosition(locator string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locator, t.pct = locator, pct
}

// Position is the locator currently shown.
func (t *Terminal) Position() (string, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locator, t.pct
}

// ApplyLocatorSilently moves to locator. The percentage is unknown until the
// next position report.
func (t *Terminal) ApplyLocatorSilently(locator string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moveLocked(locator, t.pct, locator)
}

// ApplyPositionSilently moves to locator and percentage without prompting.
func (t *Terminal) ApplyPositionSilently(locator string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moveLocked(locator, pct, Describe(locator, pct, 0))
}

func (t *Terminal) moveLocked(locator string, pct float64, label string) {
	t.locator, t.pct = locator, pct
	t.jump = nil
	fmt.Fprintln(t.out, DimStyle.Render("↪ now at "+label))
}

func (t *Terminal) PromptConflict(ctx context.Context, local progress.Record, remote progress.RemoteRecord) (progress.Choice, error) {
	// The prompt may block for a long time; do not hold the lock.
	choice, err := t.ask(ctx, local, remote)
	if err != nil {
		return choice, err
	}
	if choice == progress.UseRemote {
		t.SetPosition(remote.Locator, remote.Percentage)
	}
	return choice, nil
}

func (t *Terminal) SuggestJump(remote progress.RemoteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := remote
	t.jump = &r
	fmt.Fprintln(t.out, HintStyle.Render(fmt.Sprintf("%s is further along: %s. Type 'jump' to go there.",
		remote.DeviceID, Describe(remote.Locator, remote.Percentage, remote.UpdatedAt))))
}

// TakeJump returns and clears the pending suggestion.
func (t *Terminal) TakeJump() (progress.RemoteRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jump == nil {
		return progress.RemoteRecord{}, false
	}
	r := *t.jump
	t.jump = nil
	t.locator, t.pct = r.Locator, r.Percentage
	return r, true
}

// NotifyStatus prints status changes only.
func (t *Terminal) NotifyStatus(s progress.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen && s == t.last {
		return
	}
	t.seen, t.last = true, s
	fmt.Fprintln(t.out, Badge(s))
}
