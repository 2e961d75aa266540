package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/reading-sync/internal/platform/auth"
	"github.com/example/reading-sync/services/reader/internal/config"
)

func newTokenCommand(c *cli) *cobra.Command {
	var (
		user, secret string
		ttl          time.Duration
		save         bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a self-hosted progress service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
			}
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			if user == "" {
				user = c.cfg.UserID
			}
			if err := config.EnsureDeviceID(c.v, &c.cfg); err != nil {
				return err
			}
			tok, err := auth.Issuer{Secret: []byte(secret), TTL: ttl}.Issue(user, c.cfg.DeviceID, time.Now())
			if err != nil {
				return err
			}
			if !save {
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			}
			c.v.Set("user_id", user)
			c.v.Set("token", tok)
			if err := os.MkdirAll(filepath.Dir(c.cfg.File), 0o755); err != nil {
				return err
			}
			if err := c.v.WriteConfigAs(c.cfg.File); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved token for", user, "to", c.cfg.File)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (default: user_id from config)")
	cmd.Flags().StringVar(&secret, "secret", "", "service signing secret (default: $JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 = no expiry)")
	cmd.Flags().BoolVar(&save, "save", false, "store user and token in the config file")
	return cmd
}
