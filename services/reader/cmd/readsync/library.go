package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/reading-sync/internal/progress"
	"github.com/example/reading-sync/services/reader/internal/ui"
)

func newImportCommand(c *cli) *cobra.Command {
	var bookID, identifier string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Add a book to the local library",
		Long: "Add a book to the local library. The book is identified across devices by a\n" +
			"hash of its content unless --identifier (e.g. an ISBN) is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if bookID == "" {
				bookID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			if identifier == "" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				identifier, err = progress.ContentIdentifier(f)
				_ = f.Close()
				if err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
			}

			a, err := c.engine(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Import(cmd.Context(), bookID, identifier); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s as %s\n", ui.TitleStyle.Render(bookID), identifier)
			return nil
		},
	}
	cmd.Flags().StringVar(&bookID, "id", "", "local book id (default: file name)")
	cmd.Flags().StringVar(&identifier, "identifier", "", "cross-device book identifier (default: content hash)")
	return cmd
}

func newRemoveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <book-id>",
		Short: "Remove a book and its local progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.engine(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Coord.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", args[0])
			return nil
		},
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local progress and undelivered syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.engine(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			recs, err := a.Store.List(ctx)
			if err != nil {
				return err
			}
			pending, err := a.Store.Count(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, ui.TitleStyle.Render("device "+c.cfg.DeviceID))
			if len(recs) == 0 {
				fmt.Fprintln(out, ui.DimStyle.Render("no books imported"))
			}
			for _, r := range recs {
				pos := ui.DimStyle.Render("not started")
				if !r.Untouched() {
					pos = ui.Describe(r.Locator, r.Percentage, r.UpdatedAt)
				}
				fmt.Fprintf(out, "%-20s %s\n", r.BookID, pos)
			}
			if pending > 0 {
				fmt.Fprintln(out, ui.HintStyle.Render(fmt.Sprintf("%d sync(s) waiting to be delivered", pending)))
			}
			return nil
		},
	}
}
