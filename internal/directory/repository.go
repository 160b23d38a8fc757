package directory

import (
	"context"
	"time"
)

// Directory is the orchestrator's view of campaign, agent, contact and user
// configuration data.
type Directory interface {
	Campaign(ctx context.Context, id string) (Campaign, error)
	Agent(ctx context.Context, id string) (Agent, error)
	Contact(ctx context.Context, id string) (Contact, error)
	UserSettings(ctx context.Context, userID string) (UserSettings, error)

	SetContactCallStatus(ctx context.Context, contactID string, st ContactCallStatus, now time.Time) error
	IncrementCampaignCompleted(ctx context.Context, campaignID string) error
}
