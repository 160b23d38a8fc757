package monitoring

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("monitoring: not found")

// Health scores written by the state monitor.
const (
	ScoreProviderCompleted = 100
	ScoreHealthy           = 90
	ScoreTerminalOther     = 75
	ScoreForcedHangup      = 60
	ScoreQueryFailed       = 50
	ScoreStuck             = 25
	ScoreUnexpected        = 0
)

// Record is a disposable health snapshot for one call record. Losing it only
// delays the health signal; nothing else reads it for correctness.
type Record struct {
	CallRecordID   string    `json:"call_record_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Status         string    `json:"status"`
	HealthScore    int       `json:"health_score"`
	Detail         string    `json:"detail,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

type Store interface {
	// Upsert overwrites the snapshot keyed by CallRecordID.
	Upsert(ctx context.Context, r Record) error
	Get(ctx context.Context, callRecordID string) (Record, error)
	// Purge drops snapshots whose heartbeat is before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
