package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/geffzhang/weyhdbot/internal/auth"
	"github.com/geffzhang/weyhdbot/internal/config"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage tokens for the bridging endpoints",
	}
	var expiresIn string
	issue := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Mint an HS256 token for an outgoing-message caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if expiresIn == "" {
				expiresIn = cfg.Auth.JWTExpiresIn
			}
			if expiresIn == "" {
				expiresIn = config.DefaultJWTExpiresIn
			}
			ttl, err := time.ParseDuration(expiresIn)
			if err != nil {
				return fmt.Errorf("invalid --expires-in: %w", err)
			}
			signed, expiresAt, err := auth.GenerateToken(args[0], cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&expiresIn, "expires-in", "", "token lifetime (default: auth.jwt_expires_in)")
	cmd.AddCommand(issue)
	return cmd
}
