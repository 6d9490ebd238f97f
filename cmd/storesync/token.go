package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/appejv/storesync/internal/config"
	"github.com/appejv/storesync/internal/security"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !security.IsValidRole(role) {
				return fmt.Errorf("unknown role %q (valid: %v)", role, security.ValidRoles)
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret is not set; the API runs without authentication")
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL()
			}

			tok, err := security.GenerateToken(subject, role, []byte(cfg.Auth.JWTSecret), ttl)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", security.RoleSales, "role claim")
	cmd.Flags().StringVar(&subject, "subject", "storesync-cli", "subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.tokenTtlMinutes)")
	return cmd
}
