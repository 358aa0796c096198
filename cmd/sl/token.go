package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/api"
)

func newTokenCmd(g *globals) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long: `Signs a bearer token with the configured server.auth_secret (or
STAGELINE_AUTH_SECRET). The subject is recorded as the actor of API calls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.AuthSecret == "" {
				return errors.New("no auth secret configured; set server.auth_secret or STAGELINE_AUTH_SECRET")
			}
			if subject == "" {
				subject = g.actor()
			}
			tok, err := api.IssueToken(cfg.Server.AuthSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default: --actor)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
