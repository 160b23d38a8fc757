package reconcile

import (
	"context"
	"errors"
	"time"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/calls"
	"call-orchestrator/pkg/logger"
)

// AwaitingRetry reports whether rec is a previous attempt the retry sweep put
// back to queued. The sweep keeps next_retry_at set as the marker; records the
// dispatcher creates never have one. Nothing at the provider reflects the
// pending retry, so such a record must not be reconciled.
func AwaitingRetry(rec calls.CallRecord) bool {
	return rec.Status == calls.StatusQueued && rec.NextRetryAt != nil
}

// CancelRetryLeftovers cancels the queued retry records of a (contact,
// campaign) pair once their queue entry has been consumed. It returns the
// highest retry_count among them so the next attempt can carry it forward.
func (r *Reconciler) CancelRetryLeftovers(ctx context.Context, contactID, campaignID string, reason calls.FailureReason, msg, actor string) (int, error) {
	rows, err := r.Calls.List(ctx, calls.Filter{
		ContactID:    contactID,
		CampaignID:   campaignID,
		Statuses:     []calls.Status{calls.StatusQueued},
		NextRetryDue: r.now(),
	})
	if err != nil {
		return 0, err
	}

	var (
		maxRetry int
		errs     []error
	)
	for _, rec := range rows {
		if !AwaitingRetry(rec) {
			continue
		}
		if rec.RetryCount > maxRetry {
			maxRetry = rec.RetryCount
		}
		now := r.now()
		ok, err := r.Calls.Transition(ctx, rec.ID, []calls.Status{calls.StatusQueued}, calls.Update{
			Status:           calls.StatusCancelled,
			StartTime:        calls.Ptr(rec.CreatedAt),
			EndTime:          &now,
			FailureReason:    &reason,
			ErrorMessage:     &msg,
			LastErrorAt:      &now,
			ClearNextRetryAt: true,
		}, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		logger.From(ctx).Info("retry leftover cancelled",
			"call_record_id", rec.ID,
			"user_id", rec.UserID,
			"reason", string(reason),
		)
		if r.Audit != nil {
			if err := r.Audit.LogRepair(ctx, audit.Repair{
				Actor:        actor,
				UserID:       rec.UserID,
				CallRecordID: rec.ID,
				CampaignID:   rec.CampaignID,
				Reason:       string(reason),
				Message:      msg,
			}); err != nil {
				logger.From(ctx).Warn("audit repair failed", "call_record_id", rec.ID, "err", err)
			}
		}
	}
	return maxRetry, errors.Join(errs...)
}

// RetryPolicy decides which ended attempts get another try.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Retryable reports whether rec ended in a way worth retrying and still has
// budget left.
func (p RetryPolicy) Retryable(rec calls.CallRecord) bool {
	if rec.RetryCount >= p.MaxRetries {
		return false
	}
	switch rec.Status {
	case calls.StatusBusy, calls.StatusNoAnswer:
		return true
	case calls.StatusFailed:
		return rec.FailureReason == calls.FailureProviderRejected
	default:
		return false
	}
}

// Backoff is the delay before retry number n (1-based): BaseDelay doubled
// per previous retry, capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
