package main

import (
	"fmt"
	"time"

	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/config"
	"call-orchestrator/internal/rbac"

	"github.com/spf13/cobra"
)

type tokenOptions struct {
	userID string
	role   string
	ttl    time.Duration
}

// newTokenCmd creates "orchestrator token": mints an ops API access token.
// Only JWT_* settings are read, so it works without database access.
func newTokenCmd(opts *rootOptions) *cobra.Command {
	t := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for the ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := t.validate(); err != nil {
				return err
			}
			if err := config.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			authCfg, err := config.LoadAuth()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(authCfg)
			if err != nil {
				return err
			}
			tok, err := m.Issue(time.Now(), t.userID, t.role, t.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&t.userID, "user", "", "user id the token acts as (required)")
	cmd.Flags().StringVar(&t.role, "role", rbac.RoleOwner, "owner, operator or admin")
	cmd.Flags().DurationVar(&t.ttl, "ttl", 0, "token lifetime (defaults to JWT_ACCESS_TTL)")
	return cmd
}

func (t *tokenOptions) validate() error {
	if t.userID == "" {
		return fmt.Errorf("--user is required")
	}
	if !rbac.Valid(t.role) {
		return fmt.Errorf("--role must be owner, operator or admin, got %q", t.role)
	}
	if t.ttl < 0 {
		return fmt.Errorf("--ttl must be >= 0")
	}
	return nil
}
