package audit

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresRepo struct {
	DB *sql.DB
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{DB: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, user_id, type, actor, actor_role, call_record_id, queue_entry_id, campaign_id,
  reason, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,'')::jsonb,$12
)
`
	if _, err := r.DB.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.Type,
		e.Actor,
		e.ActorRole,
		e.CallRecordID,
		e.QueueEntryID,
		e.CampaignID,
		e.Reason,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
