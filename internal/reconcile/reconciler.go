package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/directory"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"
)

// Reconciler owns every write that moves a CallRecord because of something the
// provider said (a webhook push or a synchronous query) or because a
// safety-net pass gave up on it.
//
// IMPORTANT:
//   - All writes are calls.Store.Transition guarded by the status the caller
//     observed. Losing the race to a concurrent writer is reported as
//     OutcomeSuperseded, never as an error.
//   - Side effects on the directory (contact call status, campaign completed
//     counter) only run when the transition applied, so replays are no-ops.
//   - Provider I/O is bounded by APITimeout.
type Reconciler struct {
	Calls     calls.Store
	Directory directory.Directory
	Provider  telephony.Provider

	// Audit is optional. Repairs are logged best-effort.
	Audit *audit.Service

	APITimeout      time.Duration
	MaxCallDuration time.Duration

	Clock func() time.Time
}

const defaultAPITimeout = 30 * time.Second

// Observation is what the provider reported for one call.
type Observation struct {
	Status calls.Status

	StartTime *time.Time
	EndTime   *time.Time

	DurationSeconds *int
	CostCents       *int64
	RecordingURL    string
}

// ObservationFromProvider maps a synchronous provider answer.
func ObservationFromProvider(st telephony.CallStatus) Observation {
	return Observation{
		Status:          calls.MapProviderStatus(st.Status),
		StartTime:       st.StartTime,
		EndTime:         st.EndTime,
		DurationSeconds: st.DurationSeconds,
		CostCents:       st.PriceCents,
	}
}

type Outcome string

const (
	// OutcomeUnchanged: provider agrees with the local non-terminal status.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeAdvanced: local status moved forward to the provider's.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeTerminal: provider's terminal outcome copied locally.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeForcedHangup: runaway call hung up and completed locally.
	OutcomeForcedHangup Outcome = "forced_hangup"
	// OutcomeFailed: the record was failed locally (no provider id, or the
	// provider conclusively has no such call).
	OutcomeFailed Outcome = "failed"
	// OutcomeUnknown: provider could not be asked or did not answer
	// conclusively. The record is left untouched.
	OutcomeUnknown Outcome = "unknown"
	// OutcomeSuperseded: another writer changed the record first.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeError: the local store failed.
	OutcomeError Outcome = "error"
)

// Result describes one Resolve.
type Result struct {
	Outcome Outcome
	// ProviderStatus is the raw provider status, when one was obtained.
	ProviderStatus string
	// Status is the local status after Resolve (best known).
	Status calls.Status
	Detail string
	Err    error
}

// Options tune Resolve for its caller.
type Options struct {
	// Actor names the caller in logs and audit events.
	Actor string

	// NoSIDReason fails records without a provider id. Empty leaves them
	// untouched (OutcomeUnknown).
	NoSIDReason calls.FailureReason

	// NotFoundReason makes the provider's "no such call" conclusive: the
	// record is failed with this reason. Empty treats it as unknown.
	NotFoundReason calls.FailureReason

	// EnforceMaxDuration hangs up in-progress calls older than MaxCallDuration.
	EnforceMaxDuration bool
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) apiTimeout() time.Duration {
	if r.APITimeout > 0 {
		return r.APITimeout
	}
	return defaultAPITimeout
}

// Resolve asks the provider about rec and applies what it learns.
func (r *Reconciler) Resolve(ctx context.Context, rec calls.CallRecord, opt Options) Result {
	log := logger.From(ctx).With("call_record_id", rec.ID, "user_id", rec.UserID, "actor", opt.Actor)

	if AwaitingRetry(rec) {
		return Result{Outcome: OutcomeUnchanged, Status: rec.Status, Detail: "awaiting retry dispatch"}
	}
	if !rec.HasProviderCallID() {
		if opt.NoSIDReason == calls.FailureNone {
			return Result{Outcome: OutcomeUnknown, Status: rec.Status, Detail: "no provider call id"}
		}
		msg := fmt.Sprintf("no provider call id after %s in %s", rec.Age(r.now()).Round(time.Second), rec.Status)
		return r.failResult(ctx, rec, opt.NoSIDReason, msg, opt.Actor)
	}

	qctx, cancel := context.WithTimeout(ctx, r.apiTimeout())
	st, err := r.Provider.GetCallStatus(qctx, rec.ProviderCallID)
	cancel()
	if err != nil {
		if errors.Is(err, telephony.ErrCallNotFound) && opt.NotFoundReason != calls.FailureNone {
			msg := fmt.Sprintf("provider has no call %s", rec.ProviderCallID)
			return r.failResult(ctx, rec, opt.NotFoundReason, msg, opt.Actor)
		}
		log.Warn("provider status query failed", "provider_call_id", rec.ProviderCallID, "err", err)
		return Result{Outcome: OutcomeUnknown, Status: rec.Status, Detail: err.Error()}
	}

	obs := ObservationFromProvider(st)
	res := Result{ProviderStatus: st.Status, Status: rec.Status}

	switch {
	case obs.Status.IsTerminal():
		ok, err := r.ApplyTerminal(ctx, rec, obs, opt.Actor)
		return r.settle(res, ok, err, OutcomeTerminal, obs.Status)

	case obs.Status == calls.StatusInProgress && opt.EnforceMaxDuration &&
		r.MaxCallDuration > 0 && rec.Age(r.now()) > r.MaxCallDuration:
		return r.forceHangup(ctx, rec, obs, opt.Actor, res)

	default:
		ok, err := r.Advance(ctx, rec, obs.Status, obs.StartTime)
		if err != nil {
			return Result{Outcome: OutcomeError, ProviderStatus: st.Status, Status: rec.Status, Err: err}
		}
		if ok {
			res.Outcome, res.Status = OutcomeAdvanced, obs.Status
			return res
		}
		res.Outcome = OutcomeUnchanged
		return res
	}
}

func (r *Reconciler) settle(res Result, ok bool, err error, applied Outcome, st calls.Status) Result {
	switch {
	case err != nil:
		res.Outcome, res.Err = OutcomeError, err
	case ok:
		res.Outcome, res.Status = applied, st
	default:
		res.Outcome = OutcomeSuperseded
	}
	return res
}

func (r *Reconciler) failResult(ctx context.Context, rec calls.CallRecord, reason calls.FailureReason, msg, actor string) Result {
	ok, err := r.Fail(ctx, rec, reason, msg, actor)
	return r.settle(Result{Status: rec.Status, Detail: msg}, ok, err, OutcomeFailed, calls.StatusFailed)
}

func (r *Reconciler) forceHangup(ctx context.Context, rec calls.CallRecord, obs Observation, actor string, res Result) Result {
	log := logger.From(ctx).With("call_record_id", rec.ID, "provider_call_id", rec.ProviderCallID)

	hctx, cancel := context.WithTimeout(ctx, r.apiTimeout())
	err := r.Provider.Hangup(hctx, rec.ProviderCallID)
	cancel()
	if err != nil && !errors.Is(err, telephony.ErrCallNotFound) {
		log.Warn("forced hangup failed", "err", err)
		res.Outcome, res.Detail = OutcomeUnknown, "hangup failed: "+err.Error()
		return res
	}

	now := r.now()
	start := rec.CreatedAt
	if obs.StartTime != nil {
		start = *obs.StartTime
	} else if rec.StartTime != nil {
		start = *rec.StartTime
	}
	msg := fmt.Sprintf("call exceeded max duration of %s", r.MaxCallDuration)
	upd := calls.Update{
		Status:          calls.StatusCompleted,
		StartTime:       &start,
		EndTime:         &now,
		DurationSeconds: calls.Ptr(seconds(now.Sub(start))),
		FailureReason:   calls.Ptr(calls.FailureMaxDurationExceeded),
		ErrorMessage:    &msg,
		LastErrorAt:     &now,
	}
	ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status}, upd, now)
	if err != nil || !ok {
		return r.settle(res, ok, err, OutcomeForcedHangup, calls.StatusCompleted)
	}
	log.Info("runaway call hung up", "age", rec.Age(now).String())
	r.afterTerminal(ctx, rec, calls.StatusCompleted)
	if r.Audit != nil {
		if err := r.Audit.LogForcedHangup(ctx, actor, rec.UserID, rec.ID, msg); err != nil {
			log.Warn("audit forced hangup failed", "err", err)
		}
	}
	res.Outcome, res.Status, res.Detail = OutcomeForcedHangup, calls.StatusCompleted, msg
	return res
}

// maxTerminalAttempts bounds the re-read loop in ApplyTerminal when
// non-terminal updates race with it.
const maxTerminalAttempts = 3

// ApplyTerminal copies a terminal provider outcome onto rec. A record that is
// already terminal is not changed (beyond a missing recording url) and false is
// returned. When a non-terminal writer wins the guard, the record is re-read
// and the terminal outcome applied on top of it. A retry leftover (see
// AwaitingRetry) belongs to an attempt that already ended; late pushes for
// its old provider call are ignored.
func (r *Reconciler) ApplyTerminal(ctx context.Context, rec calls.CallRecord, obs Observation, actor string) (bool, error) {
	if !obs.Status.IsTerminal() {
		return false, fmt.Errorf("reconcile: %s is not terminal", obs.Status)
	}

	for attempt := 0; attempt < maxTerminalAttempts; attempt++ {
		if AwaitingRetry(rec) {
			return false, nil
		}
		if !rec.Status.IsActive() {
			return false, r.fillRecording(ctx, rec, obs.RecordingURL)
		}

		now := r.now()
		end := now
		if obs.EndTime != nil {
			end = *obs.EndTime
		}
		start := rec.CreatedAt
		if obs.StartTime != nil {
			start = *obs.StartTime
		}
		upd := calls.Update{
			Status:          obs.Status,
			StartTime:       &start,
			EndTime:         &end,
			DurationSeconds: obs.DurationSeconds,
			CostCents:       obs.CostCents,
			RecordingURL:    obs.RecordingURL,
		}
		if upd.DurationSeconds == nil && obs.Status == calls.StatusCompleted {
			from := start
			if rec.StartTime != nil {
				from = *rec.StartTime
			}
			upd.DurationSeconds = calls.Ptr(seconds(end.Sub(from)))
		}
		if obs.Status != calls.StatusCompleted {
			upd.FailureReason = calls.Ptr(calls.FailureProviderReported)
			upd.ErrorMessage = calls.Ptr("provider reported " + string(obs.Status))
		}

		ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status}, upd, now)
		if err != nil {
			return false, err
		}
		if ok {
			r.afterTerminal(ctx, rec, obs.Status)
			if actor != "" && r.Audit != nil {
				if err := r.Audit.LogRepair(ctx, audit.Repair{
					Actor:        actor,
					UserID:       rec.UserID,
					CallRecordID: rec.ID,
					CampaignID:   rec.CampaignID,
					Reason:       string(calls.FailureProviderReported),
					Message:      fmt.Sprintf("%s -> %s from provider", rec.Status, obs.Status),
				}); err != nil {
					logger.From(ctx).Warn("audit repair failed", "call_record_id", rec.ID, "err", err)
				}
			}
			return true, nil
		}

		rec, err = r.Calls.Get(ctx, rec.ID)
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *Reconciler) fillRecording(ctx context.Context, rec calls.CallRecord, url string) error {
	if url == "" || rec.RecordingURL != "" {
		return nil
	}
	_, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status}, calls.Update{RecordingURL: url}, r.now())
	return err
}

// Advance moves rec forward to a non-terminal status. Backwards moves (late or
// reordered pushes) are ignored.
func (r *Reconciler) Advance(ctx context.Context, rec calls.CallRecord, st calls.Status, startTime *time.Time) (bool, error) {
	if AwaitingRetry(rec) || !rec.Status.IsActive() || !st.IsActive() || rank(st) <= rank(rec.Status) {
		return false, nil
	}
	now := r.now()
	upd := calls.Update{Status: st}
	if st == calls.StatusRinging || st == calls.StatusInProgress {
		start := now
		if startTime != nil {
			start = *startTime
		}
		upd.StartTime = &start
	}
	return r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status}, upd, now)
}

// Fail ends rec locally with reason. The contact becomes callable again.
func (r *Reconciler) Fail(ctx context.Context, rec calls.CallRecord, reason calls.FailureReason, msg, actor string) (bool, error) {
	if !rec.Status.IsActive() {
		return false, nil
	}
	now := r.now()
	upd := calls.Update{
		Status:        calls.StatusFailed,
		StartTime:     calls.Ptr(rec.CreatedAt),
		EndTime:       &now,
		FailureReason: &reason,
		ErrorMessage:  &msg,
		LastErrorAt:   &now,
	}
	ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{rec.Status}, upd, now)
	if err != nil || !ok {
		return ok, err
	}

	log := logger.From(ctx)
	log.Info("call record failed",
		"call_record_id", rec.ID,
		"user_id", rec.UserID,
		"from", string(rec.Status),
		"reason", string(reason),
		"actor", actor,
	)
	r.afterTerminal(ctx, rec, calls.StatusFailed)
	if r.Audit != nil {
		if err := r.Audit.LogRepair(ctx, audit.Repair{
			Actor:        actor,
			UserID:       rec.UserID,
			CallRecordID: rec.ID,
			CampaignID:   rec.CampaignID,
			Reason:       string(reason),
			Message:      msg,
		}); err != nil {
			log.Warn("audit repair failed", "call_record_id", rec.ID, "err", err)
		}
	}
	return true, nil
}

// afterTerminal propagates a terminal outcome to the directory. Failures are
// logged; the call record is already correct and the counters are advisory.
func (r *Reconciler) afterTerminal(ctx context.Context, rec calls.CallRecord, st calls.Status) {
	if r.Directory == nil {
		return
	}
	log := logger.From(ctx).With("call_record_id", rec.ID, "user_id", rec.UserID)

	contactStatus := directory.ContactCallable
	if st == calls.StatusCompleted {
		contactStatus = directory.ContactContacted
	}
	if rec.ContactID != "" {
		if err := r.Directory.SetContactCallStatus(ctx, rec.ContactID, contactStatus, r.now()); err != nil {
			log.Warn("contact status not updated", "contact_id", rec.ContactID, "err", err)
		}
	}
	if st == calls.StatusCompleted && rec.CampaignID != "" {
		if err := r.Directory.IncrementCampaignCompleted(ctx, rec.CampaignID); err != nil {
			log.Warn("campaign counter not updated", "campaign_id", rec.CampaignID, "err", err)
		}
	}
}

func rank(s calls.Status) int {
	switch s {
	case calls.StatusQueued:
		return 0
	case calls.StatusInitiated:
		return 1
	case calls.StatusRinging:
		return 2
	case calls.StatusInProgress:
		return 3
	default:
		return -1
	}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// LogResult writes one resolve result at a level matching its outcome.
func LogResult(l *slog.Logger, rec calls.CallRecord, res Result) {
	attrs := []any{
		"call_record_id", rec.ID,
		"user_id", rec.UserID,
		"outcome", string(res.Outcome),
		"status", string(res.Status),
	}
	if res.ProviderStatus != "" {
		attrs = append(attrs, "provider_status", res.ProviderStatus)
	}
	switch res.Outcome {
	case OutcomeError:
		l.Error("resolve failed", append(attrs, "err", res.Err)...)
	case OutcomeUnknown:
		l.Warn("resolve inconclusive", append(attrs, "detail", res.Detail)...)
	case OutcomeUnchanged, OutcomeSuperseded:
		l.Debug("resolved", attrs...)
	default:
		l.Info("resolved", attrs...)
	}
}
