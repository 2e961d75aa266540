package ui

import (
	"context"
	"fmt"
	"io"

	"github.com/example/reading-sync/internal/progress"
)

// ConflictRequest is a conflict waiting for an answer typed into a
// line-oriented session.
type ConflictRequest struct {
	Local  progress.Record
	Remote progress.RemoteRecord
	reply  chan progress.Choice
}

// Answer resolves the request. Only the first call has an effect.
func (r *ConflictRequest) Answer(c progress.Choice) {
	select {
	case r.reply <- c:
	default:
	}
}

// Print writes the question to out.
func (r *ConflictRequest) Print(out io.Writer) {
	fmt.Fprintln(out, HintStyle.Render("Reading position differs on another device"))
	fmt.Fprintf(out, "  this device: %s\n", Describe(r.Local.Locator, r.Local.Percentage, r.Local.UpdatedAt))
	fmt.Fprintf(out, "  %s: %s\n", r.Remote.DeviceID, Describe(r.Remote.Locator, r.Remote.Percentage, r.Remote.UpdatedAt))
	fmt.Fprintln(out, HintStyle.Render("Type 'keep' to stay here or 'remote' to jump."))
}

// LinePrompt routes conflict prompts to a session that already owns stdin,
// so a form never competes with it for input.
type LinePrompt struct {
	reqs chan *ConflictRequest
}

func NewLinePrompt() *LinePrompt {
	return &LinePrompt{reqs: make(chan *ConflictRequest)}
}

// Requests delivers pending conflicts to the session loop.
func (p *LinePrompt) Requests() <-chan *ConflictRequest { return p.reqs }

// Ask is an AskFunc. It blocks until the session answers or ctx is done, in
// which case the prompt counts as dismissed.
func (p *LinePrompt) Ask(ctx context.Context, local progress.Record, remote progress.RemoteRecord) (progress.Choice, error) {
	req := &ConflictRequest{Local: local, Remote: remote, reply: make(chan progress.Choice, 1)}
	select {
	case p.reqs <- req:
	case <-ctx.Done():
		return progress.KeepLocal, ErrDismissed
	}
	select {
	case c := <-req.reply:
		return c, nil
	case <-ctx.Done():
		return progress.KeepLocal, ErrDismissed
	}
}
