package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-orchestrator/pkg/utils"
)

// PostgresStore persists CallRecords in the call_records table
// (see internal/schema). provider_call_id is stored as NULL until the provider
// acknowledges the call so the unique index only covers real ids.
type PostgresStore struct {
	DB *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const callColumns = `id, user_id, campaign_id, contact_id, agent_id, phone_number, provider_call_id,
  status, created_at, start_time, end_time, updated_at, last_error_at, next_retry_at,
  duration_seconds, cost_cents, failure_reason, error_message, retry_count, recording_url`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var (
		r          CallRecord
		providerID sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.CampaignID,
		&r.ContactID,
		&r.AgentID,
		&r.PhoneNumber,
		&providerID,
		&r.Status,
		&r.CreatedAt,
		&r.StartTime,
		&r.EndTime,
		&r.UpdatedAt,
		&r.LastErrorAt,
		&r.NextRetryAt,
		&r.DurationSeconds,
		&r.CostCents,
		&r.FailureReason,
		&r.ErrorMessage,
		&r.RetryCount,
		&r.RecordingURL,
	); err != nil {
		return CallRecord{}, err
	}
	r.ProviderCallID = providerID.String
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec CallRecord) error {
	const q = `
INSERT INTO call_records (
  id, user_id, campaign_id, contact_id, agent_id, phone_number, provider_call_id,
  status, created_at, start_time, end_time, updated_at, last_error_at, next_retry_at,
  duration_seconds, cost_cents, failure_reason, error_message, retry_count, recording_url
) VALUES (
  $1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)
`
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.DB.ExecContext(ctx, q,
		rec.ID,
		rec.UserID,
		rec.CampaignID,
		rec.ContactID,
		rec.AgentID,
		rec.PhoneNumber,
		rec.ProviderCallID,
		rec.Status,
		rec.CreatedAt,
		rec.StartTime,
		rec.EndTime,
		rec.UpdatedAt,
		rec.LastErrorAt,
		rec.NextRetryAt,
		rec.DurationSeconds,
		rec.CostCents,
		rec.FailureReason,
		rec.ErrorMessage,
		rec.RetryCount,
		rec.RecordingURL,
	)
	if err != nil {
		if constraint, ok := utils.UniqueViolation(err); ok {
			return fmt.Errorf("%w: %s (%s)", ErrDuplicate, rec.ID, constraint)
		}
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM call_records WHERE id = $1`
	r, err := scanCall(s.DB.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return r, nil
}

func (s *PostgresStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	if providerCallID == "" {
		return CallRecord{}, ErrNotFound
	}
	q := `SELECT ` + callColumns + ` FROM call_records WHERE provider_call_id = $1`
	r, err := scanCall(s.DB.QueryRowContext(ctx, q, providerCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]CallRecord, error) {
	where, args := f.where()
	q := `SELECT ` + callColumns + ` FROM call_records` + where + ` ORDER BY ` + f.Order.sql()
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_records`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Transition is a single conditional UPDATE guarded by id and status.
func (s *PostgresStore) Transition(ctx context.Context, id string, from []Status, upd Update, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("calls: transition requires at least one from status")
	}
	set, args := upd.set(now)
	args = append(args, id)
	idArg := len(args)
	args = append(args, statusStrings(from))
	q := fmt.Sprintf(`UPDATE call_records SET %s WHERE id = $%d AND status = ANY($%d)`,
		strings.Join(set, ", "), idArg, len(args))

	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition call record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish "guard did not match" from "no such row".
	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM call_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (o Order) sql() string {
	switch o {
	case OrderCreatedDesc:
		return "created_at DESC, id DESC"
	case OrderUpdatedAsc:
		return "updated_at ASC, id ASC"
	default:
		return "created_at ASC, id ASC"
	}
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ContactID != "" {
		add("contact_id = $%d", f.ContactID)
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > $%d", f.CreatedAfter)
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at < $%d", f.UpdatedBefore)
	}
	if !f.EndedAfter.IsZero() {
		add("end_time > $%d", f.EndedAfter)
	}
	if !f.NextRetryDue.IsZero() {
		add("next_retry_at <= $%d", f.NextRetryDue)
	}
	if f.HasProviderCallID != nil {
		if *f.HasProviderCallID {
			conds = append(conds, "provider_call_id IS NOT NULL")
		} else {
			conds = append(conds, "provider_call_id IS NULL")
		}
	}
	if f.MissingStartTime {
		conds = append(conds, "start_time IS NULL")
	}
	if f.MissingEndTime {
		conds = append(conds, "end_time IS NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (u Update) set(now time.Time) ([]string, []any) {
	var (
		set  []string
		args []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if u.Status != "" {
		add("status = $%d", u.Status)
	}
	if u.ProviderCallID != "" {
		add("provider_call_id = COALESCE(provider_call_id, $%d)", u.ProviderCallID)
	}
	if u.StartTime != nil {
		add("start_time = COALESCE(start_time, $%d)", *u.StartTime)
	}
	switch {
	case u.ClearEndTime && u.EndTime != nil:
		add("end_time = $%d", *u.EndTime)
	case u.ClearEndTime:
		set = append(set, "end_time = NULL")
	case u.EndTime != nil:
		add("end_time = COALESCE(end_time, $%d)", *u.EndTime)
	}
	if u.DurationSeconds != nil {
		add("duration_seconds = $%d", *u.DurationSeconds)
	}
	if u.CostCents != nil {
		add("cost_cents = $%d", *u.CostCents)
	}
	if u.FailureReason != nil {
		add("failure_reason = $%d", *u.FailureReason)
	}
	if u.ErrorMessage != nil {
		add("error_message = $%d", *u.ErrorMessage)
	}
	if u.LastErrorAt != nil {
		add("last_error_at = $%d", *u.LastErrorAt)
	}
	if u.RetryCount != nil {
		add("retry_count = $%d", *u.RetryCount)
	}
	switch {
	case u.NextRetryAt != nil:
		add("next_retry_at = $%d", *u.NextRetryAt)
	case u.ClearNextRetryAt:
		set = append(set, "next_retry_at = NULL")
	}
	if u.RecordingURL != "" {
		add("recording_url = $%d", u.RecordingURL)
	}
	add("updated_at = $%d", now)
	return set, args
}

func statusStrings(in []Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
