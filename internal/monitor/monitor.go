package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/monitoring"
	"call-orchestrator/internal/queue"
	"call-orchestrator/internal/reconcile"
	"call-orchestrator/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const actor = "state_monitor"

type Config struct {
	// StuckCallTimeout is the age after which an active record is checked
	// against the provider and a processing queue entry is abandoned.
	StuckCallTimeout time.Duration
	// BatchSize caps records examined per pass, oldest first.
	BatchSize int
	// Retention is how long monitoring snapshots are kept.
	Retention   time.Duration
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.StuckCallTimeout <= 0 {
		c.StuckCallTimeout = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// Monitor is the state monitor pass. Each RunCycle is independent: it reads
// everything it needs from the stores and keeps nothing between runs.
type Monitor struct {
	Calls      calls.Store
	Queue      queue.Store
	Monitoring monitoring.Store
	Reconciler *reconcile.Reconciler

	Config Config
	Clock  func() time.Time
}

func New(c calls.Store, q queue.Store, m monitoring.Store, r *reconcile.Reconciler, cfg Config) *Monitor {
	return &Monitor{Calls: c, Queue: q, Monitoring: m, Reconciler: r, Config: cfg.withDefaults(), Clock: time.Now}
}

func (m *Monitor) now() time.Time {
	if m.Clock != nil {
		return m.Clock().UTC()
	}
	return time.Now().UTC()
}

type Report struct {
	CycleID string `json:"cycle_id"`

	Checked  int                       `json:"checked"`
	Outcomes map[reconcile.Outcome]int `json:"outcomes"`

	StuckEntries int `json:"stuck_entries"`
	Purged       int `json:"purged"`
}

// Score maps a resolve result onto the health scale.
func Score(res reconcile.Result) int {
	switch res.Outcome {
	case reconcile.OutcomeTerminal:
		if res.Status == calls.StatusCompleted {
			return monitoring.ScoreProviderCompleted
		}
		return monitoring.ScoreTerminalOther
	case reconcile.OutcomeAdvanced, reconcile.OutcomeUnchanged, reconcile.OutcomeSuperseded:
		return monitoring.ScoreHealthy
	case reconcile.OutcomeForcedHangup:
		return monitoring.ScoreForcedHangup
	case reconcile.OutcomeUnknown:
		return monitoring.ScoreQueryFailed
	case reconcile.OutcomeFailed:
		return monitoring.ScoreStuck
	default:
		return monitoring.ScoreUnexpected
	}
}

// RunCycle checks stale active records, sweeps abandoned queue entries and
// purges old snapshots. The three steps run even if an earlier one failed.
func (m *Monitor) RunCycle(ctx context.Context) (Report, error) {
	cfg := m.Config.withDefaults()
	rep := Report{CycleID: uuid.NewString(), Outcomes: map[reconcile.Outcome]int{}}
	log := logger.From(ctx).With("pass", "monitor", "cycle_id", rep.CycleID)
	ctx = logger.With(ctx, log)

	var errs []error
	if err := m.checkCalls(ctx, cfg, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := m.sweepProcessing(ctx, cfg, &rep); err != nil {
		errs = append(errs, err)
	}
	n, err := m.Monitoring.Purge(ctx, m.now().Add(-cfg.Retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge monitoring: %w", err))
	}
	rep.Purged = n

	log.Info("monitor cycle done",
		"checked", rep.Checked,
		"outcomes", rep.Outcomes,
		"stuck_entries", rep.StuckEntries,
		"purged", rep.Purged,
		"errors", len(errs),
	)
	return rep, errors.Join(errs...)
}

func (m *Monitor) checkCalls(ctx context.Context, cfg Config, rep *Report) error {
	now := m.now()
	recs, err := m.Calls.List(ctx, calls.Filter{
		Statuses:      calls.ActiveStatuses,
		CreatedBefore: now.Add(-cfg.StuckCallTimeout),
		Order:         calls.OrderCreatedAsc,
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list stale calls: %w", err)
	}
	rep.Checked = len(recs)

	results := make([]reconcile.Result, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)
	for i, rec := range recs {
		i, rec := i, rec
		g.Go(func() error {
			results[i] = m.Reconciler.Resolve(gctx, rec, reconcile.Options{
				Actor:              actor,
				NoSIDReason:        calls.FailureStuckTimeout,
				EnforceMaxDuration: true,
			})
			return nil
		})
	}
	_ = g.Wait()

	log := logger.From(ctx)
	var errs []error
	for i, rec := range recs {
		res := results[i]
		rep.Outcomes[res.Outcome]++
		reconcile.LogResult(log, rec, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, res.Err))
		}

		snap := monitoring.Record{
			CallRecordID:   rec.ID,
			ProviderCallID: rec.ProviderCallID,
			Status:         string(res.Status),
			HealthScore:    Score(res),
			Detail:         detail(res),
			LastHeartbeat:  m.now(),
		}
		if err := m.Monitoring.Upsert(ctx, snap); err != nil {
			// Snapshots are advisory; the record itself is already handled.
			log.Warn("monitoring snapshot not written", "call_record_id", rec.ID, "err", err)
		}
	}
	return errors.Join(errs...)
}

func detail(res reconcile.Result) string {
	if res.Detail != "" {
		return res.Detail
	}
	if res.ProviderStatus != "" {
		return string(res.Outcome) + ": provider reports " + res.ProviderStatus
	}
	return string(res.Outcome)
}

func (m *Monitor) sweepProcessing(ctx context.Context, cfg Config, rep *Report) error {
	now := m.now()
	stuck, err := m.Queue.FailStuckProcessing(ctx, now.Add(-cfg.StuckCallTimeout), queue.ReasonProcessingTimeout, now)
	if err != nil {
		return fmt.Errorf("sweep processing entries: %w", err)
	}
	rep.StuckEntries = len(stuck)

	log := logger.From(ctx)
	var errs []error
	for _, e := range stuck {
		log.Warn("queue entry abandoned",
			"queue_entry_id", e.ID,
			"user_id", e.UserID,
			"attempts", e.Attempts,
		)
		if _, err := m.Reconciler.CancelRetryLeftovers(ctx, e.ContactID, e.CampaignID,
			calls.FailureStuckTimeout, "retry entry abandoned in processing", actor); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}
