package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/queue"
	"call-orchestrator/internal/reconcile"
	"call-orchestrator/pkg/logger"

	"github.com/google/uuid"
)

// Pass names, used in logs, reports and audit actors.
const (
	PassWebhookTimeout   = "webhook_timeout"
	PassStateConsistency = "state_inconsistency"
	PassOrphans          = "orphans"
	PassDrift            = "drift"
	PassRetryMarking     = "retry_marking"
	PassRetrySweep       = "retry_sweep"
)

type Config struct {
	WebhookTimeout              time.Duration
	StateInconsistencyThreshold time.Duration
	OrphanThreshold             time.Duration
	// DriftBatchSize caps provider queries made by the drift pass.
	DriftBatchSize int
	// BatchSize caps records handled by every other pass.
	BatchSize int

	Retry reconcile.RetryPolicy
	// RetryLookback bounds how far back ended records are considered for a retry.
	RetryLookback time.Duration
}

func (c Config) withDefaults() Config {
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 10 * time.Minute
	}
	if c.StateInconsistencyThreshold <= 0 {
		c.StateInconsistencyThreshold = 5 * time.Minute
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 15 * time.Minute
	}
	if c.DriftBatchSize <= 0 {
		c.DriftBatchSize = 50
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 5 * time.Minute
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = time.Hour
	}
	if c.RetryLookback <= 0 {
		c.RetryLookback = 24 * time.Hour
	}
	return c
}

// Recoverer runs the error recovery passes.
//
// IMPORTANT:
//   - Every pass is idempotent and independent of the others. A failing (or
//     panicking) pass does not stop the rest.
//   - Provider "not found" is conclusive only for webhook timeouts and
//     orphans. The drift pass leaves such records alone.
type Recoverer struct {
	Calls      calls.Store
	Queue      queue.Store
	Reconciler *reconcile.Reconciler
	Audit      *audit.Service

	Config Config
	Clock  func() time.Time
}

func New(c calls.Store, q queue.Store, r *reconcile.Reconciler, a *audit.Service, cfg Config) *Recoverer {
	return &Recoverer{Calls: c, Queue: q, Reconciler: r, Audit: a, Config: cfg.withDefaults(), Clock: time.Now}
}

func (r *Recoverer) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

// PassReport is the result of one pass.
type PassReport struct {
	Name     string `json:"name"`
	Examined int    `json:"examined"`
	Repaired int    `json:"repaired"`
	Error    string `json:"error,omitempty"`

	Outcomes map[reconcile.Outcome]int `json:"outcomes,omitempty"`
}

type Report struct {
	CycleID string       `json:"cycle_id"`
	Passes  []PassReport `json:"passes"`
}

// Pass returns the named pass report.
func (r Report) Pass(name string) (PassReport, bool) {
	for _, p := range r.Passes {
		if p.Name == name {
			return p, true
		}
	}
	return PassReport{}, false
}

type passFunc func(ctx context.Context, cfg Config, rep *PassReport) error

func (r *Recoverer) passes() []struct {
	name string
	fn   passFunc
} {
	return []struct {
		name string
		fn   passFunc
	}{
		{PassWebhookTimeout, r.webhookTimeouts},
		{PassStateConsistency, r.stateInconsistencies},
		{PassOrphans, r.orphans},
		{PassDrift, r.drift},
		{PassRetryMarking, r.markRetries},
		{PassRetrySweep, r.sweepRetries},
	}
}

// RunCycle runs every pass once, in a fixed order so that a record matching
// several passes gets the most specific repair (webhook timeout before the
// generic stale-initiated repair).
func (r *Recoverer) RunCycle(ctx context.Context) (Report, error) {
	cfg := r.Config.withDefaults()
	rep := Report{CycleID: uuid.NewString()}
	log := logger.From(ctx).With("pass", "recovery", "cycle_id", rep.CycleID)
	ctx = logger.With(ctx, log)

	var errs []error
	for _, p := range r.passes() {
		pr := PassReport{Name: p.name, Outcomes: map[reconcile.Outcome]int{}}
		pctx := logger.With(ctx, log.With("recovery_pass", p.name))
		err := runGuarded(pctx, cfg, &pr, p.fn)
		level := slog.LevelInfo
		if err != nil {
			pr.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
			level = slog.LevelError
		}
		log.Log(ctx, level, "recovery pass done",
			"recovery_pass", p.name,
			"examined", pr.Examined,
			"repaired", pr.Repaired,
			"err", pr.Error,
		)
		rep.Passes = append(rep.Passes, pr)
	}
	return rep, errors.Join(errs...)
}

func runGuarded(ctx context.Context, cfg Config, rep *PassReport, fn passFunc) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("pass panicked: %v", v)
		}
	}()
	return fn(ctx, cfg, rep)
}

// resolveAll resolves recs one by one and tallies outcomes.
func (r *Recoverer) resolveAll(ctx context.Context, recs []calls.CallRecord, opt reconcile.Options, rep *PassReport) error {
	log := logger.From(ctx)
	var errs []error
	for _, rec := range recs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res := r.Reconciler.Resolve(ctx, rec, opt)
		rep.Outcomes[res.Outcome]++
		switch res.Outcome {
		case reconcile.OutcomeTerminal, reconcile.OutcomeFailed, reconcile.OutcomeForcedHangup, reconcile.OutcomeAdvanced:
			rep.Repaired++
		case reconcile.OutcomeError:
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, res.Err))
		}
		reconcile.LogResult(log, rec, res)
	}
	return errors.Join(errs...)
}

// webhookTimeouts handles calls that never got past ringing because the
// status pushes did not arrive.
func (r *Recoverer) webhookTimeouts(ctx context.Context, cfg Config, rep *PassReport) error {
	recs, err := r.Calls.List(ctx, calls.Filter{
		Statuses:      []calls.Status{calls.StatusInitiated, calls.StatusRinging},
		CreatedBefore: r.now().Add(-cfg.WebhookTimeout),
		Order:         calls.OrderCreatedAsc,
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	rep.Examined = len(recs)
	return r.resolveAll(ctx, recs, reconcile.Options{
		Actor:          "recovery." + PassWebhookTimeout,
		NoSIDReason:    calls.FailureWebhookTimeoutNoSID,
		NotFoundReason: calls.FailureWebhookTimeoutMissing,
	}, rep)
}

// orphans handles active calls with a provider id that nothing has touched
// for a while.
func (r *Recoverer) orphans(ctx context.Context, cfg Config, rep *PassReport) error {
	recs, err := r.Calls.List(ctx, calls.Filter{
		Statuses:          calls.ActiveStatuses,
		HasProviderCallID: calls.Bool(true),
		UpdatedBefore:     r.now().Add(-cfg.OrphanThreshold),
		Order:             calls.OrderUpdatedAsc,
		Limit:             cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	rep.Examined = len(recs)
	return r.resolveAll(ctx, recs, reconcile.Options{
		Actor:              "recovery." + PassOrphans,
		NotFoundReason:     calls.FailureOrphanNotFound,
		EnforceMaxDuration: true,
	}, rep)
}

// drift re-reads provider truth for the least recently updated active calls.
func (r *Recoverer) drift(ctx context.Context, cfg Config, rep *PassReport) error {
	recs, err := r.Calls.List(ctx, calls.Filter{
		Statuses:          calls.ActiveStatuses,
		HasProviderCallID: calls.Bool(true),
		Order:             calls.OrderUpdatedAsc,
		Limit:             cfg.DriftBatchSize,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	rep.Examined = len(recs)
	return r.resolveAll(ctx, recs, reconcile.Options{Actor: "recovery." + PassDrift}, rep)
}

// stateInconsistencies repairs local invariant violations without asking
// the provider.
func (r *Recoverer) stateInconsistencies(ctx context.Context, cfg Config, rep *PassReport) error {
	actor := "recovery." + PassStateConsistency
	log := logger.From(ctx)
	var errs []error

	// in-progress without start_time: backfill from created_at.
	noStart, err := r.Calls.List(ctx, calls.Filter{
		Statuses:         []calls.Status{calls.StatusInProgress},
		MissingStartTime: true,
		Limit:            cfg.BatchSize,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list missing start_time: %w", err))
	}
	for _, rec := range noStart {
		rep.Examined++
		ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status},
			calls.Update{StartTime: calls.Ptr(rec.CreatedAt)}, r.now())
		if err := r.noteRepair(ctx, rep, rec, ok, err, actor, "start_time backfilled from created_at"); err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
		}
	}

	// terminal without end_time: close it now.
	noEnd, err := r.Calls.List(ctx, calls.Filter{
		Statuses:       calls.TerminalStatuses,
		MissingEndTime: true,
		Limit:          cfg.BatchSize,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list missing end_time: %w", err))
	}
	for _, rec := range noEnd {
		rep.Examined++
		now := r.now()
		ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status},
			calls.Update{EndTime: &now, StartTime: calls.Ptr(rec.CreatedAt)}, now)
		if err := r.noteRepair(ctx, rep, rec, ok, err, actor, "end_time set on "+string(rec.Status)+" record"); err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
		}
	}

	// initiated for too long: the call never progressed.
	stale, err := r.Calls.List(ctx, calls.Filter{
		Statuses:      []calls.Status{calls.StatusInitiated},
		CreatedBefore: r.now().Add(-cfg.StateInconsistencyThreshold),
		Order:         calls.OrderCreatedAsc,
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale initiated: %w", err))
	}
	for _, rec := range stale {
		rep.Examined++
		msg := fmt.Sprintf("initiated for more than %s", cfg.StateInconsistencyThreshold)
		ok, err := r.Reconciler.Fail(ctx, rec, calls.FailureStateInconsistency, msg, actor)
		if err != nil {
			log.Error("repair failed", "call_record_id", rec.ID, "err", err)
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
			continue
		}
		if ok {
			rep.Repaired++
		}
	}
	return errors.Join(errs...)
}

func (r *Recoverer) noteRepair(ctx context.Context, rep *PassReport, rec calls.CallRecord, ok bool, err error, actor, msg string) error {
	log := logger.From(ctx).With("call_record_id", rec.ID, "user_id", rec.UserID)
	if err != nil {
		log.Error("repair failed", "err", err)
		return err
	}
	if !ok {
		return nil
	}
	rep.Repaired++
	log.Info("state repaired", "detail", msg)
	if r.Audit != nil {
		if err := r.Audit.LogRepair(ctx, audit.Repair{
			Actor:        actor,
			UserID:       rec.UserID,
			CallRecordID: rec.ID,
			CampaignID:   rec.CampaignID,
			Reason:       string(calls.FailureStateInconsistency),
			Message:      msg,
		}); err != nil {
			log.Warn("audit repair failed", "err", err)
		}
	}
	return nil
}

// markRetries moves recently ended, retryable attempts to retry_scheduled.
func (r *Recoverer) markRetries(ctx context.Context, cfg Config, rep *PassReport) error {
	if cfg.Retry.MaxRetries <= 0 {
		return nil
	}
	now := r.now()
	recs, err := r.Calls.List(ctx, calls.Filter{
		Statuses:   []calls.Status{calls.StatusBusy, calls.StatusNoAnswer, calls.StatusFailed},
		EndedAfter: now.Add(-cfg.RetryLookback),
		Order:      calls.OrderCreatedAsc,
		Limit:      cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	log := logger.From(ctx)
	var errs []error
	for _, rec := range recs {
		if !cfg.Retry.Retryable(rec) {
			continue
		}
		rep.Examined++
		newer, err := r.Calls.Count(ctx, calls.Filter{
			ContactID:    rec.ContactID,
			CampaignID:   rec.CampaignID,
			CreatedAfter: rec.CreatedAt,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
			continue
		}
		if newer > 0 {
			continue
		}

		n := rec.RetryCount + 1
		ended := now
		if rec.EndTime != nil {
			ended = *rec.EndTime
		}
		next := ended.Add(cfg.Retry.Backoff(n))
		ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status}, calls.Update{
			Status:       calls.StatusRetryScheduled,
			ClearEndTime: true,
			RetryCount:   &n,
			NextRetryAt:  &next,
		}, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
			continue
		}
		if ok {
			rep.Repaired++
			log.Info("retry scheduled",
				"call_record_id", rec.ID,
				"user_id", rec.UserID,
				"from", string(rec.Status),
				"retry_count", n,
				"next_retry_at", next,
			)
		}
	}
	return errors.Join(errs...)
}

// sweepRetries puts due retry_scheduled records back on the queue.
func (r *Recoverer) sweepRetries(ctx context.Context, cfg Config, rep *PassReport) error {
	now := r.now()
	recs, err := r.Calls.List(ctx, calls.Filter{
		Statuses:     []calls.Status{calls.StatusRetryScheduled},
		NextRetryDue: now,
		Order:        calls.OrderCreatedAsc,
		Limit:        cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	rep.Examined = len(recs)

	log := logger.From(ctx)
	var errs []error
	for _, rec := range recs {
		entry, err := r.Queue.Upsert(ctx, queue.Entry{
			UserID:      rec.UserID,
			CampaignID:  rec.CampaignID,
			ContactID:   rec.ContactID,
			AgentID:     rec.AgentID,
			Priority:    queue.RetryPriority,
			ScheduledAt: now,
		}, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("call %s: enqueue retry: %w", rec.ID, err))
			continue
		}
		if entry.Status != queue.StatusPending {
			// A dispatch already holds the pair; this attempt is folded into it.
			if err := r.supersedeRetry(ctx, rec, entry, now, rep); err != nil {
				errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
			}
			continue
		}
		// The upsert is idempotent, so a failure below is repaired by the
		// next sweep. next_retry_at stays set: it marks the record as a
		// retry leftover until the dispatcher supersedes it.
		ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{calls.StatusRetryScheduled}, calls.Update{
			Status: calls.StatusQueued,
		}, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", rec.ID, err))
			continue
		}
		if !ok {
			continue
		}
		rep.Repaired++
		log.Info("retry requeued",
			"call_record_id", rec.ID,
			"queue_entry_id", entry.ID,
			"user_id", rec.UserID,
			"retry_count", rec.RetryCount,
		)
		if r.Audit != nil {
			if err := r.Audit.LogRetryQueued(ctx, "recovery."+PassRetrySweep, rec.UserID, rec.ID, entry.ID, rec.CampaignID); err != nil {
				log.Warn("audit retry failed", "call_record_id", rec.ID, "err", err)
			}
		}
	}
	return errors.Join(errs...)
}

// supersedeRetry closes a due retry whose pair is already being dialled.
func (r *Recoverer) supersedeRetry(ctx context.Context, rec calls.CallRecord, entry queue.Entry, now time.Time, rep *PassReport) error {
	msg := "superseded by queue entry " + entry.ID + " (" + string(entry.Status) + ")"
	ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{calls.StatusRetryScheduled}, calls.Update{
		Status:           calls.StatusCancelled,
		EndTime:          &now,
		StartTime:        calls.Ptr(rec.CreatedAt),
		FailureReason:    calls.Ptr(calls.FailureSupersededByRetry),
		ErrorMessage:     &msg,
		LastErrorAt:      &now,
		ClearNextRetryAt: true,
	}, now)
	if err != nil || !ok {
		return err
	}
	rep.Repaired++
	logger.From(ctx).Info("retry superseded",
		"call_record_id", rec.ID,
		"queue_entry_id", entry.ID,
		"user_id", rec.UserID,
		"entry_status", string(entry.Status),
	)
	return nil
}
