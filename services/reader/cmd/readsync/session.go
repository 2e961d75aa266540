package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/reading-sync/internal/progress"
	"github.com/example/reading-sync/internal/session"
	"github.com/example/reading-sync/services/reader/internal/app"
	"github.com/example/reading-sync/services/reader/internal/ui"
)

func newOpenCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "open <book-id>",
		Short: "Run the open-book check against the service and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.engine(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			term := c.terminal(cmd, nil)
			g, err := a.OpenSession(cmd.Context(), args[0], term)
			if err != nil {
				return err
			}
			defer g.Close()
			select {
			case <-g.Ready():
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			loc, _ := term.Position()
			if loc == "" {
				if rec, err := a.Store.Read(cmd.Context(), args[0]); err == nil {
					loc = rec.Locator
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.TitleStyle.Render(g.Phase().String()), loc)
			return nil
		},
	}
}

func newReadCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "read <book-id>",
		Short: "Interactive reading session",
		Long: `Interactive reading session. Commands:
  goto <locator> <fraction>    move there (your action, saved and synced)
  render <locator> <fraction>  simulate the renderer reporting a position
  jump                         accept the latest "further along" hint
  keep | remote                answer a conflict prompt
  where                        show the current position
  quit                         close the book`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.engine(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			prompt := ui.NewLinePrompt()
			term := c.terminal(cmd, prompt.Ask)
			a.ForwardStatus(ctx, term)
			go func() { _ = a.Coord.Run(ctx) }()

			g, err := a.OpenSession(ctx, args[0], term)
			if err != nil {
				return err
			}
			defer g.Close()
			if err := g.Watch(a.Remote); err != nil {
				c.log.Warn("realtime updates unavailable")
				fmt.Fprintln(cmd.ErrOrStderr(), ui.DimStyle.Render("realtime updates unavailable: "+err.Error()))
			}
			r := &repl{app: a, gate: g, term: term, prompts: prompt.Requests(), out: cmd.OutOrStdout()}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
}

// repl reads commands line by line. Conflict prompts raised by the session
// are answered in the same loop so only one reader consumes input. An
// unanswered prompt is dismissed when the session closes.
type repl struct {
	app     *app.App
	gate    *session.Gate
	term    *ui.Terminal
	prompts <-chan *ui.ConflictRequest
	out     io.Writer

	pending *ui.ConflictRequest
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	fmt.Fprint(r.out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.prompts:
			r.pending = req
			fmt.Fprintln(r.out)
			req.Print(r.out)
			fmt.Fprint(r.out, "> ")
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if r.handle(ctx, strings.Fields(line)) {
				return nil
			}
			fmt.Fprint(r.out, "> ")
		}
	}
}

// handle runs one command and reports whether the session should end.
func (r *repl) handle(ctx context.Context, fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	out := r.out
	switch fields[0] {
	case "keep", "remote":
		if r.pending == nil {
			fmt.Fprintln(out, ui.DimStyle.Render("no conflict to resolve"))
			return false
		}
		choice := progress.KeepLocal
		if fields[0] == "remote" {
			choice = progress.UseRemote
		}
		r.pending.Answer(choice)
		r.pending = nil
	case "goto", "render":
		if len(fields) != 3 {
			fmt.Fprintln(out, ui.ErrorStyle.Render("usage: "+fields[0]+" <locator> <fraction>"))
			return false
		}
		pct, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			fmt.Fprintln(out, ui.ErrorStyle.Render("fraction must be a number between 0 and 1"))
			return false
		}
		r.term.SetPosition(fields[1], pct)
		if err := r.gate.AttemptSave(ctx, fields[1], pct, fields[0] == "goto"); err != nil {
			fmt.Fprintln(out, ui.ErrorStyle.Render(err.Error()))
		}
	case "jump":
		rec, ok := r.term.TakeJump()
		if !ok {
			fmt.Fprintln(out, ui.DimStyle.Render("nothing to jump to"))
			return false
		}
		if err := r.gate.AttemptSave(ctx, rec.Locator, rec.Percentage, true); err != nil {
			fmt.Fprintln(out, ui.ErrorStyle.Render(err.Error()))
		}
	case "where":
		loc, pct := r.term.Position()
		fmt.Fprintf(out, "%s  %s  %s\n", ui.Describe(loc, pct, 0), r.gate.Phase(), ui.Badge(r.app.Coord.Status()))
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(out, ui.DimStyle.Render("unknown command "+fields[0]))
	}
	return false
}
