package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"call-orchestrator/internal/scheduler"
	"call-orchestrator/pkg/logger"

	"github.com/spf13/cobra"
)

// newRunCmd creates "orchestrator run <pass>": one cycle, report on stdout.
// External cron can drive the passes with this instead of the worker.
func newRunCmd(opts *rootOptions) *cobra.Command {
	var noLease bool
	cmd := &cobra.Command{
		Use:       "run <dispatch|monitor|recovery>",
		Short:     "Run one cycle of a pass and print its report",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: passNames,
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
			if noLease {
				a.locker = nil
			}
			return runPass(cmd, a, args[0])
		},
	}
	cmd.Flags().BoolVar(&noLease, "no-lease", false, "skip the pass lease (only when no other replica runs passes)")
	return cmd
}

func runPass(cmd *cobra.Command, a *app, name string) error {
	run, ok := a.leasedPasses()[name]
	if !ok {
		return fmt.Errorf("unknown pass %q", name)
	}
	rep, err := run(cmd.Context())
	if errors.Is(err, scheduler.ErrLeaseHeld) {
		return fmt.Errorf("%s: %w", name, err)
	}
	if rep != nil {
		if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil {
			return werr
		}
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
