package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/reading-sync/services/reader/internal/ui"
)

func newFlushCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver queued syncs now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.engine(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			before, err := a.Store.Count(ctx)
			if err != nil {
				return err
			}
			if err := a.Coord.FlushOutbox(ctx); err != nil {
				return err
			}
			after, err := a.Store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s delivered or dropped %d, %d still queued\n",
				ui.Badge(a.Coord.Status()), before-after, after)
			return nil
		},
	}
}
