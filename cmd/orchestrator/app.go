package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/config"
	"call-orchestrator/internal/directory"
	"call-orchestrator/internal/dispatch"
	"call-orchestrator/internal/httpapi"
	"call-orchestrator/internal/ingest"
	"call-orchestrator/internal/monitor"
	"call-orchestrator/internal/monitoring"
	"call-orchestrator/internal/queue"
	"call-orchestrator/internal/reconcile"
	"call-orchestrator/internal/recovery"
	"call-orchestrator/internal/scheduler"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

const statusWebhookPath = "/webhooks/twilio/status"

// Pass names accepted by `run` and the on-demand admin route.
const (
	passDispatch = "dispatch"
	passMonitor  = "monitor"
	passRecovery = "recovery"
)

var passNames = []string{passDispatch, passMonitor, passRecovery}

// app holds the wired process: stores, provider and the four components.
// Keep construction here; commands only pick which parts to run.
type app struct {
	cfg config.Config
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	calls      calls.Store
	queue      queue.Store
	directory  directory.Directory
	monitoring monitoring.Store
	audit      *audit.Service
	provider   telephony.Provider
	locker     scheduler.Locker
	auth       *auth.Manager

	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	recoverer  *recovery.Recoverer
	ingestor   *ingest.Ingestor
}

// openApp connects Postgres and Redis and wires everything on top.
func openApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		rdb:        rdb,
		calls:      calls.NewPostgresStore(db),
		queue:      queue.NewPostgresStore(db),
		directory:  directory.NewPostgresDirectory(db),
		monitoring: monitoring.NewRedisStore(rdb, cfg.Orchestrator.MonitoringRetention),
		audit:      audit.NewService(audit.NewPostgresRepo(db)),
		locker:     scheduler.RedisLocker{Client: rdb},
	}
	switch cfg.Twilio.Provider {
	case config.ProviderFake:
		a.provider = telephony.NewFakeProvider()
	default:
		a.provider = telephony.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Orchestrator.ProviderAPITimeout)
	}
	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// wire builds the components from the stores and provider already set on a.
func (a *app) wire() error {
	o := a.cfg.Orchestrator
	if a.auth == nil {
		m, err := auth.NewManager(a.cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth init: %w", err)
		}
		a.auth = m
	}

	provider := a.provider
	if o.ProviderRequestsPerSecond > 0 {
		provider = telephony.NewThrottled(a.provider, o.ProviderRequestsPerSecond)
	}

	a.reconciler = &reconcile.Reconciler{
		Calls:           a.calls,
		Directory:       a.directory,
		Provider:        provider,
		Audit:           a.audit,
		APITimeout:      o.ProviderAPITimeout,
		MaxCallDuration: o.MaxCallDuration,
	}
	a.dispatcher = dispatch.New(a.queue, a.calls, a.directory, provider, a.reconciler, dispatch.Config{
		MaxConcurrentCalls: o.MaxConcurrentCalls,
		CallRatePerMinute:  o.CallRatePerMinute,
		BatchSize:          o.DispatchBatchSize,
		ActiveCallWindow:   o.ActiveCallWindow,
		RingTimeoutSeconds: o.RingTimeoutSeconds,
		StatusCallbackURL:  o.PublicBaseURL + statusWebhookPath,
		VoiceAppURL:        o.VoiceAppURL,
		MediaStreamURL:     o.MediaStreamURL,
	})
	a.monitor = monitor.New(a.calls, a.queue, a.monitoring, a.reconciler, monitor.Config{
		StuckCallTimeout: o.StuckCallTimeout,
		BatchSize:        o.ReconcileBatchSize,
		Retention:        o.MonitoringRetention,
	})
	a.recoverer = recovery.New(a.calls, a.queue, a.reconciler, a.audit, recovery.Config{
		WebhookTimeout:              o.WebhookTimeout,
		StateInconsistencyThreshold: o.StateInconsistencyThreshold,
		OrphanThreshold:             o.OrphanThreshold,
		DriftBatchSize:              o.ReconcileBatchSize,
		Retry: reconcile.RetryPolicy{
			MaxRetries: o.MaxRetries,
			BaseDelay:  o.RetryBaseDelay,
			MaxDelay:   o.RetryMaxDelay,
		},
		RetryLookback: o.RetryLookback,
	})
	a.ingestor = ingest.New(a.calls, a.reconciler)
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// passes exposes one cycle of each periodic component.
func (a *app) passes() map[string]httpapi.PassFunc {
	return map[string]httpapi.PassFunc{
		passDispatch: func(ctx context.Context) (any, error) { return a.dispatcher.RunCycle(ctx) },
		passMonitor:  func(ctx context.Context) (any, error) { return a.monitor.RunCycle(ctx) },
		passRecovery: func(ctx context.Context) (any, error) { return a.recoverer.RunCycle(ctx) },
	}
}

// leasedPasses wraps every pass in its lease, for runs outside the schedule
// (CLI and admin route). A run while another holder owns the lease returns
// scheduler.ErrLeaseHeld and does nothing.
func (a *app) leasedPasses() map[string]httpapi.PassFunc {
	s := scheduler.New(a.log, scheduler.WithLocker(a.locker, a.cfg.Schedule.LeaseTTL))
	out := make(map[string]httpapi.PassFunc, len(passNames))
	for name, run := range a.passes() {
		name, run := name, run
		out[name] = func(ctx context.Context) (any, error) {
			var rep any
			err := s.RunOnce(ctx, scheduler.Job{Name: name, Run: func(ctx context.Context) error {
				var err error
				rep, err = run(ctx)
				return err
			}})
			return rep, err
		}
	}
	return out
}

// newScheduler registers the three passes on their configured schedules.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.log, scheduler.WithLocker(a.locker, a.cfg.Schedule.LeaseTTL))
	specs := map[string]string{
		passDispatch: a.cfg.Schedule.Dispatch,
		passMonitor:  a.cfg.Schedule.Monitor,
		passRecovery: a.cfg.Schedule.Recovery,
	}
	passes := a.passes()
	for _, name := range passNames {
		run := passes[name]
		if err := s.Add(scheduler.Job{
			Name: name,
			Spec: specs[name],
			Run: func(ctx context.Context) error {
				_, err := run(ctx)
				return err
			},
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
