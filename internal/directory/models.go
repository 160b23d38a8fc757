package directory

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("directory: not found")

// Campaign, Agent and Contact are owned by the CRUD side of the platform.
// The orchestrator reads them for dispatch preconditions and writes back only
// the contact's call status and the campaign's completed-call counter.
type Campaign struct {
	ID             string `json:"id" db:"id"`
	UserID         string `json:"user_id" db:"user_id"`
	Name           string `json:"name" db:"name"`
	Status         string `json:"status" db:"status"`
	CompletedCalls int    `json:"completed_calls" db:"completed_calls"`
}

const CampaignActive = "active"

func (c Campaign) Active() bool { return c.Status == CampaignActive }

type Agent struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Name   string `json:"name" db:"name"`
	Active bool   `json:"active" db:"is_active"`
}

type Contact struct {
	ID           string            `json:"id" db:"id"`
	UserID       string            `json:"user_id" db:"user_id"`
	Name         string            `json:"name" db:"name"`
	PhoneNumber  string            `json:"phone_number" db:"phone_number"`
	CallStatus   ContactCallStatus `json:"call_status" db:"call_status"`
	LastCalledAt *time.Time        `json:"last_called_at,omitempty" db:"last_called_at"`
}

// ContactCallStatus is what the CRUD layer shows next to a contact.
type ContactCallStatus string

const (
	ContactCallable  ContactCallStatus = "callable"
	ContactCalling   ContactCallStatus = "calling"
	ContactContacted ContactCallStatus = "contacted"
)

// UserSettings is the opaque per-user configuration the dispatcher consumes.
// Zero limits mean "use the service default".
type UserSettings struct {
	UserID             string `json:"user_id" db:"user_id"`
	FromNumber         string `json:"from_number" db:"from_number"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	CallRatePerMinute  int    `json:"call_rate_per_minute" db:"call_rate_per_minute"`
}
