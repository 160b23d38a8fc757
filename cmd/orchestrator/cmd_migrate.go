package main

import (
	"fmt"

	"call-orchestrator/internal/schema"
	"call-orchestrator/pkg/logger"
	"call-orchestrator/pkg/utils"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates "orchestrator migrate": applies the embedded schema.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				migs, err := schema.Migrations()
				if err != nil {
					return err
				}
				for _, m := range migs {
					fmt.Fprintln(cmd.OutOrStdout(), m.Name)
				}
				return nil
			}

			cfg, log, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := logger.With(cmd.Context(), log)
			db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
			if err != nil {
				return fmt.Errorf("postgres init: %w", err)
			}
			defer db.Close()

			applied, err := schema.Migrate(ctx, db)
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list embedded migrations without connecting")
	return cmd
}
