package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"call-orchestrator/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore keeps entries in queue_entries. The partial unique index
//
//	UNIQUE (contact_id, campaign_id) WHERE status IN ('pending','processing')
//
// is what makes Upsert the single dedup point for dispatch.
type PostgresStore struct {
	DB *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const entryColumns = `id, user_id, campaign_id, contact_id, agent_id, priority, scheduled_at, status,
  attempts, processing_started_at, completed_at, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.CampaignID,
		&e.ContactID,
		&e.AgentID,
		&e.Priority,
		&e.ScheduledAt,
		&e.Status,
		&e.Attempts,
		&e.ProcessingStartedAt,
		&e.CompletedAt,
		&e.ErrorMessage,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	return e, err
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, e Entry, now time.Time) (Entry, error) {
	if !ValidPriority(e.Priority) {
		return Entry{}, ErrInvalidPriority
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	// A processing row can finish between the upsert and the read-back; the
	// second attempt then inserts a fresh pending row.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var out Entry
		out, err = s.upsertOnce(ctx, e, now)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrNotFound) && !utils.IsRetryableTx(err) {
			break
		}
	}
	return Entry{}, err
}

func (s *PostgresStore) upsertOnce(ctx context.Context, e Entry, now time.Time) (Entry, error) {
	// The DO UPDATE only touches a pending row; a processing row is left alone
	// and read back below.
	q := `
INSERT INTO queue_entries (
  id, user_id, campaign_id, contact_id, agent_id, priority, scheduled_at, status,
  attempts, error_message, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,'pending',0,'',$8,$8
)
ON CONFLICT (contact_id, campaign_id) WHERE status IN ('pending','processing')
DO UPDATE SET priority = EXCLUDED.priority,
              scheduled_at = EXCLUDED.scheduled_at,
              agent_id = COALESCE(NULLIF(EXCLUDED.agent_id, ''), queue_entries.agent_id),
              updated_at = EXCLUDED.updated_at
WHERE queue_entries.status = 'pending'
RETURNING ` + entryColumns

	out, err := scanEntry(s.DB.QueryRowContext(ctx, q,
		e.ID, e.UserID, e.CampaignID, e.ContactID, e.AgentID, e.Priority, e.ScheduledAt, now,
	))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("upsert queue entry: %w", err)
	}

	const active = `SELECT ` + entryColumns + `
FROM queue_entries
WHERE contact_id = $1 AND campaign_id = $2 AND status IN ('pending','processing')`
	out, err = scanEntry(s.DB.QueryRowContext(ctx, active, e.ContactID, e.CampaignID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("read active queue entry: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (s *PostgresStore) UsersWithDueEntries(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
SELECT DISTINCT user_id
FROM queue_entries
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY user_id
`
	rows, err := s.DB.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimDue uses FOR UPDATE SKIP LOCKED so concurrent dispatchers never claim
// the same row.
func (s *PostgresStore) ClaimDue(ctx context.Context, userID string, limit int, now time.Time) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	q := `
WITH claimed AS (
  UPDATE queue_entries
  SET status = 'processing',
      processing_started_at = $3,
      attempts = attempts + 1,
      updated_at = $3
  WHERE id IN (
    SELECT id FROM queue_entries
    WHERE user_id = $1
      AND status = 'pending'
      AND scheduled_at <= $3
    ORDER BY priority DESC, scheduled_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
  )
  RETURNING ` + entryColumns + `
)
SELECT * FROM claimed ORDER BY priority DESC, scheduled_at ASC, id ASC`

	rows, err := s.DB.QueryContext(ctx, q, userID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *PostgresStore) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.finish(ctx, id, StatusCompleted, "", now)
}

func (s *PostgresStore) Fail(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.finish(ctx, id, StatusFailed, reason, now)
}

func (s *PostgresStore) finish(ctx context.Context, id string, to Status, reason string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_entries
SET status = $2, completed_at = $4, error_message = $3, updated_at = $4
WHERE id = $1 AND status = 'processing'
`
	res, err := s.DB.ExecContext(ctx, q, id, to, reason, now)
	if err != nil {
		return false, fmt.Errorf("finish queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) FailStuckProcessing(ctx context.Context, startedBefore time.Time, reason string, now time.Time) ([]Entry, error) {
	q := `
UPDATE queue_entries
SET status = 'failed', completed_at = $3, error_message = $2, updated_at = $3
WHERE status = 'processing' AND processing_started_at < $1
RETURNING ` + entryColumns

	rows, err := s.DB.QueryContext(ctx, q, startedBefore, reason, now)
	if err != nil {
		return nil, fmt.Errorf("fail stuck queue entries: %w", err)
	}
	return collectEntries(rows)
}
