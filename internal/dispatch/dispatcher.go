package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/directory"
	"call-orchestrator/internal/queue"
	"call-orchestrator/internal/reconcile"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config carries the service-wide dispatch limits. Per-user settings override
// MaxConcurrentCalls and CallRatePerMinute when non-zero.
type Config struct {
	MaxConcurrentCalls int
	CallRatePerMinute  int
	BatchSize          int
	// ActiveCallWindow bounds the concurrency count to recently created
	// records, so a record stuck in an active status cannot block a user
	// forever.
	ActiveCallWindow time.Duration

	RingTimeoutSeconds int
	StatusCallbackURL  string

	// Exactly one answer source is used: MediaStreamURL (inline stream
	// document) wins over VoiceAppURL.
	VoiceAppURL    string
	MediaStreamURL string

	// UserParallelism caps how many users are dispatched at once.
	UserParallelism int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 10
	}
	if c.CallRatePerMinute <= 0 {
		c.CallRatePerMinute = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ActiveCallWindow <= 0 {
		c.ActiveCallWindow = 30 * time.Minute
	}
	if c.RingTimeoutSeconds <= 0 {
		c.RingTimeoutSeconds = 30
	}
	if c.UserParallelism <= 0 {
		c.UserParallelism = 4
	}
	return c
}

// Dispatcher turns due queue entries into placed calls.
//
// IMPORTANT:
//   - Entries are claimed (pending -> processing) before any provider I/O. A
//     crash between claim and placement leaves the entry processing for the
//     state monitor's sweep; it is never placed twice.
//   - A placement error is terminal for the attempt. Retries only come back
//     through the recovery retry sweep.
//   - No state is kept between cycles.
type Dispatcher struct {
	Queue      queue.Store
	Calls      calls.Store
	Directory  directory.Directory
	Provider   telephony.Provider
	Reconciler *reconcile.Reconciler

	Config Config
	Clock  func() time.Time
	NewID  func() string
}

func New(q queue.Store, c calls.Store, dir directory.Directory, p telephony.Provider, r *reconcile.Reconciler, cfg Config) *Dispatcher {
	return &Dispatcher{
		Queue:      q,
		Calls:      c,
		Directory:  dir,
		Provider:   p,
		Reconciler: r,
		Config:     cfg.withDefaults(),
		Clock:      time.Now,
		NewID:      uuid.NewString,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock().UTC()
	}
	return time.Now().UTC()
}

// Outcome summarizes one user's dispatch cycle.
type Outcome string

const (
	OutcomeQueueFull   Outcome = "queue_full"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeIdle        Outcome = "idle"
	OutcomeDispatched  Outcome = "dispatched"
	OutcomeError       Outcome = "error"
)

// UserReport is the result of one user's cycle.
type UserReport struct {
	UserID  string  `json:"user_id"`
	Outcome Outcome `json:"outcome"`

	Active        int `json:"active"`
	CreatedRecent int `json:"created_last_minute"`
	Claimed       int `json:"claimed"`
	Placed        int `json:"placed"`
	// PreconditionFailed entries never reached the provider.
	PreconditionFailed int `json:"precondition_failed"`
	ProviderFailed     int `json:"provider_failed"`

	Err error `json:"-"`
}

// Report is the result of one RunCycle.
type Report struct {
	CycleID string       `json:"cycle_id"`
	Users   []UserReport `json:"users"`
}

func (r Report) Placed() int {
	n := 0
	for _, u := range r.Users {
		n += u.Placed
	}
	return n
}

// RunCycle dispatches every user with due entries. One user's failure does
// not stop the others; their errors are joined into the returned error.
func (d *Dispatcher) RunCycle(ctx context.Context) (Report, error) {
	rep := Report{CycleID: uuid.NewString()}
	log := logger.From(ctx).With("pass", "dispatch", "cycle_id", rep.CycleID)
	ctx = logger.With(ctx, log)

	users, err := d.Queue.UsersWithDueEntries(ctx, d.now())
	if err != nil {
		return rep, fmt.Errorf("list users with due entries: %w", err)
	}
	if len(users) == 0 {
		log.Debug("nothing due")
		return rep, nil
	}

	rep.Users = make([]UserReport, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Config.withDefaults().UserParallelism)
	for i, userID := range users {
		i, userID := i, userID
		g.Go(func() error {
			rep.Users[i] = d.DispatchUser(gctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, u := range rep.Users {
		if u.Err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.UserID, u.Err))
		}
	}
	log.Info("dispatch cycle done", "users", len(users), "placed", rep.Placed(), "errors", len(errs))
	return rep, errors.Join(errs...)
}

// DispatchUser runs one cycle for a single user.
func (d *Dispatcher) DispatchUser(ctx context.Context, userID string) UserReport {
	cfg := d.Config.withDefaults()
	rep := UserReport{UserID: userID}
	log := logger.From(ctx).With("user_id", userID)
	ctx = logger.With(ctx, log)

	settings, err := d.Directory.UserSettings(ctx, userID)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		rep.Outcome, rep.Err = OutcomeError, fmt.Errorf("load user settings: %w", err)
		return rep
	}
	maxActive := cfg.MaxConcurrentCalls
	if settings.MaxConcurrentCalls > 0 {
		maxActive = settings.MaxConcurrentCalls
	}
	ratePerMinute := cfg.CallRatePerMinute
	if settings.CallRatePerMinute > 0 {
		ratePerMinute = settings.CallRatePerMinute
	}

	now := d.now()
	active, err := d.Calls.Count(ctx, calls.Filter{
		UserID:       userID,
		Statuses:     calls.ActiveStatuses,
		CreatedAfter: now.Add(-cfg.ActiveCallWindow),
	})
	if err != nil {
		rep.Outcome, rep.Err = OutcomeError, fmt.Errorf("count active calls: %w", err)
		return rep
	}
	rep.Active = active
	if active >= maxActive {
		rep.Outcome = OutcomeQueueFull
		log.Info("dispatch skipped", "outcome", string(rep.Outcome), "active", active, "max", maxActive)
		return rep
	}

	recent, err := d.Calls.Count(ctx, calls.Filter{
		UserID:       userID,
		CreatedAfter: now.Add(-time.Minute),
	})
	if err != nil {
		rep.Outcome, rep.Err = OutcomeError, fmt.Errorf("count recent calls: %w", err)
		return rep
	}
	rep.CreatedRecent = recent
	if recent >= ratePerMinute {
		rep.Outcome = OutcomeRateLimited
		log.Info("dispatch skipped", "outcome", string(rep.Outcome), "created_last_minute", recent, "limit", ratePerMinute)
		return rep
	}

	limit := min(maxActive-active, cfg.BatchSize)
	entries, err := d.Queue.ClaimDue(ctx, userID, limit, now)
	if err != nil {
		rep.Outcome, rep.Err = OutcomeError, fmt.Errorf("claim due entries: %w", err)
		return rep
	}
	rep.Claimed = len(entries)
	if len(entries) == 0 {
		rep.Outcome = OutcomeIdle
		return rep
	}

	var errs []error
	for _, e := range entries {
		res := d.dispatchEntry(ctx, e, settings)
		switch res.kind {
		case kindPlaced:
			rep.Placed++
		case kindPrecondition:
			rep.PreconditionFailed++
		case kindProviderFailed:
			rep.ProviderFailed++
		default:
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, res.err))
		}
	}
	rep.Outcome = OutcomeDispatched
	rep.Err = errors.Join(errs...)
	return rep
}

type entryKind int

const (
	kindError entryKind = iota
	kindPlaced
	kindPrecondition
	kindProviderFailed
)

type entryResult struct {
	kind entryKind
	err  error
}

var (
	entryPlaced         = entryResult{kind: kindPlaced}
	entryPrecondition   = entryResult{kind: kindPrecondition}
	entryProviderFailed = entryResult{kind: kindProviderFailed}
)

func entryError(err error) entryResult { return entryResult{kind: kindError, err: err} }

// precondition is a check that fails the entry without calling the provider.
type precondition struct {
	reason  calls.FailureReason
	message string
}

func (d *Dispatcher) checkPreconditions(ctx context.Context, e queue.Entry, settings directory.UserSettings) (directory.Contact, *precondition, error) {
	campaign, err := d.Directory.Campaign(ctx, e.CampaignID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return directory.Contact{}, &precondition{calls.FailureCampaignInactive, queue.ReasonCampaignInactive}, nil
	case err != nil:
		return directory.Contact{}, nil, fmt.Errorf("load campaign: %w", err)
	case !campaign.Active():
		return directory.Contact{}, &precondition{calls.FailureCampaignInactive, queue.ReasonCampaignInactive}, nil
	}

	agent, err := d.Directory.Agent(ctx, e.AgentID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return directory.Contact{}, &precondition{calls.FailureAgentInactive, queue.ReasonAgentInactive}, nil
	case err != nil:
		return directory.Contact{}, nil, fmt.Errorf("load agent: %w", err)
	case !agent.Active:
		return directory.Contact{}, &precondition{calls.FailureAgentInactive, queue.ReasonAgentInactive}, nil
	}

	contact, err := d.Directory.Contact(ctx, e.ContactID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return directory.Contact{}, &precondition{calls.FailureMissingPhoneNumber, queue.ReasonMissingPhone}, nil
	case err != nil:
		return directory.Contact{}, nil, fmt.Errorf("load contact: %w", err)
	case contact.PhoneNumber == "":
		return directory.Contact{}, &precondition{calls.FailureMissingPhoneNumber, queue.ReasonMissingPhone}, nil
	}

	if settings.FromNumber == "" {
		return directory.Contact{}, &precondition{calls.FailureMissingFromNumber, queue.ReasonMissingFromNumber}, nil
	}
	return contact, nil, nil
}

func (d *Dispatcher) dispatchEntry(ctx context.Context, e queue.Entry, settings directory.UserSettings) entryResult {
	log := logger.From(ctx).With("queue_entry_id", e.ID, "campaign_id", e.CampaignID, "contact_id", e.ContactID)

	contact, pre, err := d.checkPreconditions(ctx, e, settings)
	if err != nil {
		// Entry stays processing; the stuck sweep fails it if this persists.
		log.Error("precondition lookup failed", "err", err)
		return entryError(err)
	}
	if pre != nil {
		if _, err := d.Queue.Fail(ctx, e.ID, pre.message, d.now()); err != nil {
			return entryError(fmt.Errorf("fail entry: %w", err))
		}
		if d.Reconciler != nil {
			if _, err := d.Reconciler.CancelRetryLeftovers(ctx, e.ContactID, e.CampaignID, pre.reason, pre.message, "dispatcher"); err != nil {
				log.Warn("retry leftovers not cancelled", "err", err)
			}
		}
		log.Info("entry failed precondition", "reason", string(pre.reason))
		return entryPrecondition
	}

	retryCount := 0
	if d.Reconciler != nil {
		n, err := d.Reconciler.CancelRetryLeftovers(ctx, e.ContactID, e.CampaignID,
			calls.FailureSupersededByRetry, "superseded by a new attempt", "dispatcher")
		if err != nil {
			log.Warn("retry leftovers not cancelled", "err", err)
		}
		retryCount = n
	}

	now := d.now()
	rec := calls.CallRecord{
		ID:          d.NewID(),
		UserID:      e.UserID,
		CampaignID:  e.CampaignID,
		ContactID:   e.ContactID,
		AgentID:     e.AgentID,
		PhoneNumber: contact.PhoneNumber,
		Status:      calls.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		RetryCount:  retryCount,
	}
	if err := d.Calls.Create(ctx, rec); err != nil {
		log.Error("call record not created", "err", err)
		return entryError(fmt.Errorf("create call record: %w", err))
	}
	log = log.With("call_record_id", rec.ID)

	req, err := d.placeRequest(rec, settings.FromNumber)
	if err == nil {
		var res telephony.PlaceCallResult
		res, err = d.Provider.PlaceCall(ctx, req)
		if err == nil {
			return d.placed(ctx, log, e, rec, res)
		}
	}
	return d.placeFailed(ctx, log, e, rec, err)
}

func (d *Dispatcher) placed(ctx context.Context, log *slog.Logger, e queue.Entry, rec calls.CallRecord, res telephony.PlaceCallResult) entryResult {
	now := d.now()
	ok, err := d.Calls.Transition(ctx, rec.ID, []calls.Status{calls.StatusQueued}, calls.Update{
		Status:         calls.StatusInitiated,
		ProviderCallID: res.ProviderCallID,
		StartTime:      &now,
	}, now)
	if err != nil {
		// The call is live at the provider but not recorded as such; the
		// monitor fails the record (stuck_timeout) and the webhook for this
		// provider id is dropped.
		log.Error("placed call not recorded", "provider_call_id", res.ProviderCallID, "err", err)
		return entryError(fmt.Errorf("record placed call: %w", err))
	}
	if !ok {
		log.Warn("call record changed during placement", "provider_call_id", res.ProviderCallID)
	}
	if _, err := d.Queue.Complete(ctx, e.ID, now); err != nil {
		log.Error("queue entry not completed", "err", err)
	}
	if err := d.Directory.SetContactCallStatus(ctx, e.ContactID, directory.ContactCalling, now); err != nil {
		log.Warn("contact status not updated", "err", err)
	}
	log.Info("call placed", "provider_call_id", res.ProviderCallID, "retry_count", rec.RetryCount)
	return entryPlaced
}

func (d *Dispatcher) placeFailed(ctx context.Context, log *slog.Logger, e queue.Entry, rec calls.CallRecord, placeErr error) entryResult {
	now := d.now()
	msg := placeErr.Error()
	if _, err := d.Calls.Transition(ctx, rec.ID, []calls.Status{calls.StatusQueued}, calls.Update{
		Status:        calls.StatusFailed,
		StartTime:     &now,
		EndTime:       &now,
		FailureReason: calls.Ptr(calls.FailureProviderRejected),
		ErrorMessage:  &msg,
		LastErrorAt:   &now,
	}, now); err != nil {
		log.Error("failed call not recorded", "err", err)
	}
	if _, err := d.Queue.Fail(ctx, e.ID, "provider rejected call: "+msg, now); err != nil {
		log.Error("queue entry not failed", "err", err)
	}
	log.Warn("call placement failed", "err", placeErr)
	return entryProviderFailed
}

func (d *Dispatcher) placeRequest(rec calls.CallRecord, from string) (telephony.PlaceCallRequest, error) {
	cfg := d.Config.withDefaults()
	req := telephony.PlaceCallRequest{
		To:                   rec.PhoneNumber,
		From:                 from,
		StatusCallbackURL:    cfg.StatusCallbackURL,
		StatusCallbackMethod: "POST",
		StatusEvents:         telephony.StatusEvents,
		RingTimeoutSeconds:   cfg.RingTimeoutSeconds,
		Record:               true,
	}

	if cfg.MediaStreamURL != "" {
		doc, err := telephony.RenderStreamTwiML(telephony.StreamTarget{
			URL: cfg.MediaStreamURL,
			Parameters: map[string]string{
				"call_record_id": rec.ID,
				"agent_id":       rec.AgentID,
				"campaign_id":    rec.CampaignID,
			},
		})
		if err != nil {
			return req, fmt.Errorf("render answer document: %w", err)
		}
		req.AnswerDocument = doc
		return req, nil
	}

	u, err := url.Parse(cfg.VoiceAppURL)
	if err != nil || cfg.VoiceAppURL == "" {
		return req, fmt.Errorf("no answer url configured")
	}
	q := u.Query()
	q.Set("call_record_id", rec.ID)
	q.Set("agent_id", rec.AgentID)
	u.RawQuery = q.Encode()
	req.AnswerURL = u.String()
	return req, nil
}
