package web

import (
	"github.com/gin-gonic/gin"
)

// RouteConfig holds the boundary-layer knobs for route setup.
type RouteConfig struct {
	APIKeys []string
	RPS     float64
	Burst   int
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg RouteConfig) {
	r.Use(RequestID())
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())

	// Health endpoint (no auth, no rate limit)
	r.GET("/api/health", h.HealthCheck)

	apiRateLimiter := RateLimiter(cfg.RPS, cfg.Burst)

	// Webhook ingestion endpoints
	webhooks := r.Group("/api/webhook")
	webhooks.Use(apiRateLimiter)
	webhooks.Use(APIKeyAuth(cfg.APIKeys))
	webhooks.Use(RequireJSONContentType())
	{
		webhooks.POST("/event/created", h.EventCreated)
		webhooks.POST("/event/updated", h.EventUpdated)
		webhooks.POST("/event/deleted", h.EventDeleted)
	}

	// Management API
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(APIKeyAuth(cfg.APIKeys))
	{
		api.GET("/sources", h.ListSources)
		api.GET("/sources/:id", h.GetSource)
		api.GET("/events", h.ListEvents)
		api.GET("/sync-history", h.SyncHistory)
		api.GET("/stats", h.Stats)
		api.GET("/activity", h.Activity)
	}
}
