package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"call-orchestrator/internal/scheduler"
	"call-orchestrator/pkg/logger"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newServeCmd creates "orchestrator serve": HTTP API + webhook, and the
// periodic passes unless --no-scheduler is set.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the periodic passes",
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
			return serve(ctx, a, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve HTTP only; run passes elsewhere (worker or external cron)")
	return cmd
}

func serve(ctx context.Context, a *app, withScheduler bool) error {
	var sched *scheduler.Scheduler
	if withScheduler {
		s, err := a.newScheduler()
		if err != nil {
			return err
		}
		sched = s
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr(),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("api listening", "addr", srv.Addr, "env", a.cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if sched != nil {
		g.Go(func() error { return sched.Start(gctx) })
	}
	return g.Wait()
}
