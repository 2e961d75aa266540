package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/platform/logging"
	"github.com/example/reading-sync/internal/progress"
	"github.com/example/reading-sync/services/reader/internal/app"
	"github.com/example/reading-sync/services/reader/internal/config"
	"github.com/example/reading-sync/services/reader/internal/ui"
)

// cli carries state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	log        *zap.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: config.New()}

	cmd := &cobra.Command{
		Use:           "readsync",
		Short:         "Keep your reading position in sync across devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = logging.NewFile(cfg.LogLevel, cfg.LogFile)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default "+config.DefaultDir()+"/config.yaml)")
	flags.String("server-url", "", "progress service URL")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("on-conflict", "", "conflict handling (ask|keep-local|use-remote)")
	_ = c.v.BindPFlag("server_url", flags.Lookup("server-url"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("on_conflict", flags.Lookup("on-conflict"))

	cmd.AddCommand(
		newImportCommand(c),
		newOpenCommand(c),
		newReadCommand(c),
		newWatchCommand(c),
		newFlushCommand(c),
		newStatusCommand(c),
		newRemoveCommand(c),
		newTokenCommand(c),
	)
	return cmd
}

// engine opens the sync engine. Commands that talk to the service pass
// needAccount so a missing token fails early instead of queueing forever.
func (c *cli) engine(cmd *cobra.Command, needAccount bool) (*app.App, error) {
	if needAccount {
		if err := c.cfg.RequireAccount(); err != nil {
			return nil, err
		}
	}
	if err := config.EnsureDeviceID(c.v, &c.cfg); err != nil {
		return nil, err
	}
	return app.Open(cmd.Context(), c.cfg, c.log)
}

// terminal builds the presentation for the configured conflict policy. With
// the "ask" policy, interactive conflicts go to ask; nil shows a form.
func (c *cli) terminal(cmd *cobra.Command, ask ui.AskFunc) *ui.Terminal {
	switch c.cfg.OnConflict {
	case config.OnConflictKeepLocal:
		ask = ui.Fixed(progress.KeepLocal)
	case config.OnConflictUseRemote:
		ask = ui.Fixed(progress.UseRemote)
	}
	return ui.NewTerminal(cmd.OutOrStdout(), ask)
}
