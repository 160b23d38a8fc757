package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/directory"
	"call-orchestrator/internal/monitoring"
	"call-orchestrator/internal/queue"
	"call-orchestrator/internal/rbac"
	"call-orchestrator/internal/reporting"
	"call-orchestrator/internal/scheduler"
	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PassFunc runs one cycle of a periodic pass and returns its report.
type PassFunc func(ctx context.Context) (any, error)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Queue      queue.Store
	Calls      calls.Store
	Monitoring monitoring.Store
	Directory  directory.Directory
	Audit      *audit.Service
	Reports    *reporting.Service

	// Passes maps a pass name (dispatch, monitor, recovery) to its runner.
	Passes map[string]PassFunc

	Clock func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

type identity struct {
	UserID string
	Role   string
}

func callerOf(c *gin.Context) (identity, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return identity{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	return identity{UserID: uid, Role: role}, true
}

// --- Queue ---

type enqueueRequest struct {
	// UserID is honored for admins only; everyone else enqueues for themselves.
	UserID      string     `json:"user_id,omitempty"`
	CampaignID  string     `json:"campaign_id"`
	ContactID   string     `json:"contact_id"`
	AgentID     string     `json:"agent_id"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Enqueue schedules a contact for a campaign. An active entry for the same
// (contact, campaign) is refreshed instead of duplicated.
func (h Handlers) Enqueue(c *gin.Context) {
	if h.Queue == nil || h.Directory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue not configured"})
		return
	}
	who, ok := callerOf(c)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CampaignID == "" || req.ContactID == "" || req.AgentID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id, contact_id, agent_id required"})
		return
	}
	if req.Priority == 0 {
		req.Priority = queue.DefaultPriority
	}
	if !queue.ValidPriority(req.Priority) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": queue.ErrInvalidPriority.Error()})
		return
	}
	owner := who.UserID
	if rbac.IsAdmin(who.Role) && req.UserID != "" {
		owner = req.UserID
	}

	ctx := c.Request.Context()
	camp, err := h.Directory.Campaign(ctx, req.CampaignID)
	if err != nil || camp.UserID != owner {
		h.notFoundOrFail(c, err, "campaign not found")
		return
	}
	contact, err := h.Directory.Contact(ctx, req.ContactID)
	if err != nil || contact.UserID != owner {
		h.notFoundOrFail(c, err, "contact not found")
		return
	}

	now := h.now()
	scheduled := now
	if req.ScheduledAt != nil {
		scheduled = req.ScheduledAt.UTC()
	}
	entry, err := h.Queue.Upsert(ctx, queue.Entry{
		UserID:      owner,
		CampaignID:  req.CampaignID,
		ContactID:   req.ContactID,
		AgentID:     req.AgentID,
		Priority:    req.Priority,
		ScheduledAt: scheduled,
	}, now)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	logger.FromGin(c).Info("queue entry upserted",
		"queue_entry_id", entry.ID,
		"user_id", owner,
		"campaign_id", entry.CampaignID,
		"status", string(entry.Status),
	)
	c.JSON(http.StatusOK, entry)
}

func (h Handlers) GetQueueEntry(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue not configured"})
		return
	}
	who, ok := callerOf(c)
	if !ok {
		return
	}
	e, err := h.Queue.Get(c.Request.Context(), c.Param("entry_id"))
	if err != nil || !rbac.CanAccess(who.Role, who.UserID, e.UserID) {
		h.notFoundOrFail(c, err, "queue entry not found")
		return
	}
	c.JSON(http.StatusOK, e)
}

// --- Calls ---

func (h Handlers) GetCall(c *gin.Context) {
	rec, ok := h.ownedCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) GetMonitoring(c *gin.Context) {
	if h.Monitoring == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "monitoring not configured"})
		return
	}
	rec, ok := h.ownedCall(c)
	if !ok {
		return
	}
	snap, err := h.Monitoring.Get(c.Request.Context(), rec.ID)
	if err != nil {
		h.notFoundOrFail(c, err, "no monitoring snapshot")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) ownedCall(c *gin.Context) (calls.CallRecord, bool) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return calls.CallRecord{}, false
	}
	who, ok := callerOf(c)
	if !ok {
		return calls.CallRecord{}, false
	}
	rec, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil || !rbac.CanAccess(who.Role, who.UserID, rec.UserID) {
		h.notFoundOrFail(c, err, "call not found")
		return calls.CallRecord{}, false
	}
	return rec, true
}

// --- Admin ---

// RunPass runs one cycle of the named pass on demand. A pass that is already
// running (its lease is held) answers 409.
// RBAC: admin.
func (h Handlers) RunPass(c *gin.Context) {
	who, ok := callerOf(c)
	if !ok {
		return
	}
	name := c.Param("pass")
	run, found := h.Passes[name]
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown pass", "passes": h.passNames()})
		return
	}

	log := logger.FromGin(c).With("pass", name, "actor_user_id", who.UserID)
	ctx := logger.With(c.Request.Context(), log)

	rep, runErr := run(ctx)
	if errors.Is(runErr, scheduler.ErrLeaseHeld) {
		log.Info("on-demand pass skipped: lease held")
		c.JSON(http.StatusConflict, gin.H{"pass": name, "error": "pass is already running"})
		return
	}
	if h.Audit != nil {
		meta, _ := json.Marshal(map[string]any{"pass": name, "ok": runErr == nil})
		if err := h.Audit.LogAdminAction(ctx, who.UserID, who.UserID, who.Role, "pass run on demand: "+name, string(meta)); err != nil {
			log.Warn("audit admin action failed", "err", err)
		}
	}
	if runErr != nil {
		log.Error("on-demand pass finished with errors", "err", runErr)
		c.JSON(http.StatusOK, gin.H{"pass": name, "report": rep, "error": runErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pass": name, "report": rep})
}

func (h Handlers) passNames() []string {
	out := make([]string, 0, len(h.Passes))
	for k := range h.Passes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (h Handlers) notFoundOrFail(c *gin.Context, err error, msg string) {
	if err == nil || isNotFound(err) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": msg})
		return
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
}

func isNotFound(err error) bool {
	return errors.Is(err, calls.ErrNotFound) ||
		errors.Is(err, queue.ErrNotFound) ||
		errors.Is(err, directory.ErrNotFound) ||
		errors.Is(err, monitoring.ErrNotFound)
}

// Convenience middleware bundles.

func RequireUserAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireUser(), rbac.RequireAnyRole(roles...)}
}

// --- Reports ---

// CallsSummary totals the caller's call outcomes. Query: campaign_id, from, to
// (RFC3339; the last 24h by default). Admins may pass user_id.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}
	who, ok := callerOf(c)
	if !ok {
		return
	}
	owner := who.UserID
	if rbac.IsAdmin(who.Role) && c.Query("user_id") != "" {
		owner = c.Query("user_id")
	}

	now := h.now()
	rng := reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.key + " must be RFC3339"})
			return
		}
		*p.dst = t.UTC()
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID:     owner,
		CampaignID: c.Query("campaign_id"),
		Range:      rng,
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}
