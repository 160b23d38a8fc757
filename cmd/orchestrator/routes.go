package main

import (
	"net/http"

	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/httpapi"
	"call-orchestrator/internal/rbac"
	"call-orchestrator/internal/reporting"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// newRouter builds the HTTP surface: health, the provider status webhook and
// the JWT-protected ops API.
func newRouter(a *app) *gin.Engine {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(a.log))
	registerRoutes(r, a)
	return r
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signed when validation is enabled).
	{
		h := telephony.StatusWebhookHandler{Sink: a.ingestor}
		chain := []gin.HandlerFunc{}
		if a.cfg.Twilio.ValidateSignatures {
			v := telephony.NewSignatureValidator(a.cfg.Twilio.AuthToken, a.cfg.Orchestrator.PublicBaseURL)
			chain = append(chain, v.Middleware())
		}
		chain = append(chain, h.HandleStatus)
		r.POST(statusWebhookPath, chain...)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.auth), rbac.RequireUser())
	{
		h := httpapi.Handlers{
			Queue:      a.queue,
			Calls:      a.calls,
			Monitoring: a.monitoring,
			Directory:  a.directory,
			Audit:      a.audit,
			Reports:    reporting.NewService(a.calls),
			Passes:     a.leasedPasses(),
		}

		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
		})

		v1.POST("/queue", rbac.RequireAnyRole(rbac.RoleOwner), h.Enqueue)

		read := rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator)
		v1.GET("/queue/:entry_id", read, h.GetQueueEntry)
		v1.GET("/calls/:call_id", read, h.GetCall)
		v1.GET("/monitoring/:call_id", read, h.GetMonitoring)
		v1.GET("/reports/calls", read, h.CallsSummary)

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/passes/:pass/run", h.RunPass)
		}
	}
}
