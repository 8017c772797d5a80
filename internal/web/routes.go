package web

import (
	"github.com/gin-gonic/gin"

	"github.com/dayflowhq/dayflow-sync/internal/config"
)

// SetupRoutes registers all HTTP routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg *config.Config) {
	// Health endpoints stay open for load balancers.
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.HealthCheck)

	// Vendor callbacks carry no user identity. They get their own rate
	// budget so a noisy vendor cannot starve the API.
	hooks := r.Group("/webhooks")
	hooks.Use(RateLimiter(cfg.RateLimiting.RPS, cfg.RateLimiting.Burst))
	{
		hooks.POST("/:service", h.InboundWebhook)
	}

	api := r.Group("/api")
	api.Use(RateLimiter(cfg.RateLimiting.RPS, cfg.RateLimiting.Burst))
	api.Use(RequireJSONContentType())
	{
		// The OAuth callback is reached by browser redirect from the
		// provider, so it cannot carry the identity header. The state
		// parameter binds the callback to the user who started the flow.
		api.GET("/oauth/callback", h.OAuthCallback)

		authed := api.Group("")
		authed.Use(RequireUser())
		{
			authed.GET("/services", h.ListServices)
			authed.POST("/services/:service/connect", h.Connect)

			authed.GET("/integrations", h.ListIntegrations)
			authed.GET("/integrations/:id", h.GetIntegration)
			authed.PUT("/integrations/:id", h.UpdateIntegration)
			authed.DELETE("/integrations/:id", h.Disconnect)

			authed.POST("/integrations/:id/sync", h.TriggerSync)
			authed.GET("/integrations/:id/jobs", h.ListJobs)
			authed.GET("/jobs/:id", h.GetJob)
			authed.POST("/jobs/:id/cancel", h.CancelJob)

			authed.GET("/integrations/:id/conflicts", h.ListConflicts)
			authed.POST("/conflicts/:id/resolve", h.ResolveConflict)

			authed.POST("/integrations/:id/webhooks", h.RegisterWebhook)
			authed.GET("/integrations/:id/webhooks", h.ListWebhooks)
			authed.DELETE("/webhooks/:id", h.UnregisterWebhook)
			authed.POST("/webhooks/:id/reactivate", h.ReactivateWebhook)
		}
	}
}
