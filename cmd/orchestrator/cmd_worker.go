package main

import (
	"call-orchestrator/pkg/logger"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates "orchestrator worker": the periodic passes without HTTP.
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the dispatch, monitor and recovery passes on their schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := logger.With(cmd.Context(), log)
			a, err := openApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.newScheduler()
			if err != nil {
				return err
			}
			return s.Start(ctx)
		},
	}
}
