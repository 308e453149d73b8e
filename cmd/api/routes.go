package main

import (
	"context"
	"net/http"

	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/httpapi"
	"chatflow-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, webhook gateway.WebhookHandler, authMW gin.HandlerFunc, ready map[string]func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		failed := gin.H{}
		for name, check := range ready {
			if err := check(c.Request.Context()); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Gateway webhook. Authenticated by the shared webhook secret, not JWT.
	r.POST("/webhook", webhook.HandleWebhook)

	v1 := r.Group("/v1")

	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	protected := v1.Group("")
	protected.Use(authMW, rbac.RequireOrg())
	protected.GET("/me", h.Me)

	orgAPI := protected.Group("/org")
	{
		orgAPI.GET("/balance", rbac.Require(rbac.PermViewBilling), h.GetBalance)
		orgAPI.GET("/ledger", rbac.Require(rbac.PermViewBilling), h.ListLedger)

		orgAPI.GET("/reports/spend", rbac.Require(rbac.PermViewReports), h.SpendReport)
		orgAPI.GET("/reports/messages", rbac.Require(rbac.PermViewReports), h.MessageReport)

		orgAPI.GET("/flows", rbac.Require(rbac.PermManageFlows), h.ListFlows)
		orgAPI.GET("/flows/:flow_id", rbac.Require(rbac.PermManageFlows), h.GetFlow)
		orgAPI.PUT("/flows/:flow_id", rbac.Require(rbac.PermManageFlows), h.PutFlow)

		// Billable: refused up front while the org is throttled or empty.
		orgAPI.POST("/messages", rbac.Require(rbac.PermSendMessages), billing.RequireCredits(h.Billing), h.SendMessage)
	}

	// ADMIN routes
	// Platform-level; the target org comes from the request body.
	// Hidden network_operator is intentionally NOT included.
	admin := protected.Group("/admin")
	admin.Use(rbac.Require(rbac.PermGrantCredits))
	{
		admin.POST("/credits", h.AdminCredit)
	}
}
