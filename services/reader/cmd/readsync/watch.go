package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/reading-sync/internal/progress"
	"github.com/example/reading-sync/services/reader/internal/ui"
)

func newWatchCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <book-id>",
		Short: "Print progress updates for a book as other devices sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.engine(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			rec, err := a.Store.Read(ctx, args[0])
			if errors.Is(err, progress.ErrNotFound) {
				return fmt.Errorf("book %q is not imported", args[0])
			}
			if err != nil {
				return err
			}
			updates, err := a.Remote.Subscribe(ctx, c.cfg.UserID, rec.BookIdentifier)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.DimStyle.Render("watching "+args[0]+", Ctrl-C to stop"))
			for r := range updates {
				who := r.DeviceID
				if who == c.cfg.DeviceID {
					who += " (this device)"
				}
				fmt.Fprintf(out, "%s  %s\n", ui.TitleStyle.Render(who), ui.Describe(r.Locator, r.Percentage, r.UpdatedAt))
			}
			return nil
		},
	}
}
