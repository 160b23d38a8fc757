package main

import (
	"fmt"
	"log/slog"

	"call-orchestrator/internal/config"
	"call-orchestrator/pkg/logger"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile string
}

// newRootCmd creates the root orchestrator command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Outbound call orchestration",
		Long: `orchestrator places queued outbound calls, ingests provider status
pushes and keeps call records consistent with the provider.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional KEY=VALUE file loaded before the environment is read")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newRunCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// loadConfig reads the env file (if any) and the environment, and installs
// the process logger.
func (o *rootOptions) loadConfig() (config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	return cfg, log, nil
}
