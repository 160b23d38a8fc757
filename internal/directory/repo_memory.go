package directory

import (
	"context"
	"sync"
	"time"
)

type MemoryDirectory struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	agents    map[string]Agent
	contacts  map[string]Contact
	settings  map[string]UserSettings
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		campaigns: map[string]Campaign{},
		agents:    map[string]Agent{},
		contacts:  map[string]Contact{},
		settings:  map[string]UserSettings{},
	}
}

func (d *MemoryDirectory) PutCampaign(c Campaign) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.campaigns[c.ID] = c
}

func (d *MemoryDirectory) PutAgent(a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = a
}

func (d *MemoryDirectory) PutContact(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.ID] = c
}

func (d *MemoryDirectory) PutUserSettings(s UserSettings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings[s.UserID] = s
}

func (d *MemoryDirectory) Campaign(ctx context.Context, id string) (Campaign, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (d *MemoryDirectory) Agent(ctx context.Context, id string) (Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (d *MemoryDirectory) Contact(ctx context.Context, id string) (Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (d *MemoryDirectory) UserSettings(ctx context.Context, userID string) (UserSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.settings[userID]
	if !ok {
		return UserSettings{}, ErrNotFound
	}
	return s, nil
}

func (d *MemoryDirectory) SetContactCallStatus(ctx context.Context, contactID string, st ContactCallStatus, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.CallStatus = st
	if st == ContactCalling {
		t := now
		c.LastCalledAt = &t
	}
	d.contacts[contactID] = c
	return nil
}

func (d *MemoryDirectory) IncrementCampaignCompleted(ctx context.Context, campaignID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.CompletedCalls++
	d.campaigns[campaignID] = c
	return nil
}
