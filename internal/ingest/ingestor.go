package ingest

import (
	"context"
	"errors"
	"fmt"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/reconcile"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"
)

// Ingestor applies provider status pushes to CallRecords.
//
// IMPORTANT:
//   - A push for an unknown provider id is accepted and dropped. The provider
//     may be reporting a call placed by another system, or one whose record
//     was never committed; retries cannot fix either.
//   - Replaying a push is a no-op: terminal records are never overwritten and
//     non-terminal pushes only move a record forward.
type Ingestor struct {
	Calls      calls.Store
	Reconciler *reconcile.Reconciler
}

var _ telephony.StatusSink = (*Ingestor)(nil)

func New(store calls.Store, r *reconcile.Reconciler) *Ingestor {
	return &Ingestor{Calls: store, Reconciler: r}
}

func (i *Ingestor) Ingest(ctx context.Context, cb telephony.StatusCallback) error {
	log := logger.From(ctx).With("provider_call_id", cb.ProviderCallID, "provider_status", cb.Status)

	rec, err := i.Calls.GetByProviderCallID(ctx, cb.ProviderCallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			log.Info("status push for unknown call ignored")
			return nil
		}
		return fmt.Errorf("lookup call by provider id: %w", err)
	}
	log = log.With("call_record_id", rec.ID, "user_id", rec.UserID)

	st := calls.MapProviderStatus(cb.Status)
	if st.IsTerminal() {
		ok, err := i.Reconciler.ApplyTerminal(ctx, rec, reconcile.Observation{
			Status:          st,
			DurationSeconds: cb.DurationSeconds,
			RecordingURL:    cb.RecordingURL,
		}, "")
		if err != nil {
			return fmt.Errorf("apply terminal status: %w", err)
		}
		if ok {
			log.Info("call ended", "status", string(st))
		} else {
			log.Debug("terminal push already applied", "status", string(rec.Status))
		}
		return nil
	}

	ok, err := i.Reconciler.Advance(ctx, rec, st, nil)
	if err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	if ok {
		log.Info("call status advanced", "from", string(rec.Status), "to", string(st))
	}
	return nil
}
