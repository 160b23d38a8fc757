package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresDirectory reads the CRUD-owned tables (campaigns, agents, contacts,
// user_settings). It never inserts into them.
type PostgresDirectory struct {
	DB *sql.DB
}

var _ Directory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{DB: db}
}

func (d *PostgresDirectory) Campaign(ctx context.Context, id string) (Campaign, error) {
	const q = `
SELECT id, user_id, name, status, completed_calls
FROM campaigns
WHERE id = $1
`
	var c Campaign
	if err := d.DB.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.UserID, &c.Name, &c.Status, &c.CompletedCalls); err != nil {
		return Campaign{}, notFound(err)
	}
	return c, nil
}

func (d *PostgresDirectory) Agent(ctx context.Context, id string) (Agent, error) {
	const q = `
SELECT id, user_id, name, is_active
FROM agents
WHERE id = $1
`
	var a Agent
	if err := d.DB.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.UserID, &a.Name, &a.Active); err != nil {
		return Agent{}, notFound(err)
	}
	return a, nil
}

func (d *PostgresDirectory) Contact(ctx context.Context, id string) (Contact, error) {
	const q = `
SELECT id, user_id, name, COALESCE(phone_number, ''), call_status, last_called_at
FROM contacts
WHERE id = $1
`
	var c Contact
	if err := d.DB.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.UserID, &c.Name, &c.PhoneNumber, &c.CallStatus, &c.LastCalledAt); err != nil {
		return Contact{}, notFound(err)
	}
	return c, nil
}

func (d *PostgresDirectory) UserSettings(ctx context.Context, userID string) (UserSettings, error) {
	const q = `
SELECT user_id, COALESCE(from_number, ''), max_concurrent_calls, call_rate_per_minute
FROM user_settings
WHERE user_id = $1
`
	var s UserSettings
	if err := d.DB.QueryRowContext(ctx, q, userID).Scan(&s.UserID, &s.FromNumber, &s.MaxConcurrentCalls, &s.CallRatePerMinute); err != nil {
		return UserSettings{}, notFound(err)
	}
	return s, nil
}

func (d *PostgresDirectory) SetContactCallStatus(ctx context.Context, contactID string, st ContactCallStatus, now time.Time) error {
	const q = `
UPDATE contacts
SET call_status = $2,
    last_called_at = CASE WHEN $2 = 'calling' THEN $3 ELSE last_called_at END,
    updated_at = $3
WHERE id = $1
`
	return d.execOne(ctx, q, contactID, st, now)
}

func (d *PostgresDirectory) IncrementCampaignCompleted(ctx context.Context, campaignID string) error {
	const q = `UPDATE campaigns SET completed_calls = completed_calls + 1 WHERE id = $1`
	return d.execOne(ctx, q, campaignID)
}

func (d *PostgresDirectory) execOne(ctx context.Context, q string, args ...any) error {
	res, err := d.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
