package api

import (
	"saas-fulfillment/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteConfig carries the API keys guarding the route groups
type RouteConfig struct {
	OperatorAPIKey string
	CustomerAPIKey string
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, cfg RouteConfig) {
	r.Use(middleware.CorrelationID(), middleware.RequestLogger())

	api := r.Group("/api")
	{
		// Marketplace webhook (authenticated by its bearer token)
		api.POST("/webhook", h.MarketplaceWebhook)

		// Landing page and customer actions
		customer := api.Group("")
		customer.Use(middleware.APIKeyAuthMiddleware(cfg.CustomerAPIKey, true))
		{
			customer.POST("/landing/resolve", h.ResolvePurchase)

			subscriptions := customer.Group("/subscriptions/:id")
			subscriptions.GET("", h.GetSubscription)
			subscriptions.GET("/history", h.GetSubscriptionHistory)
			subscriptions.GET("/plans", h.ListAvailablePlans)
			subscriptions.POST("/activate", h.ActivateSubscription)
			subscriptions.POST("/change-plan", h.ChangePlan)
			subscriptions.POST("/change-quantity", h.ChangeQuantity)
			subscriptions.POST("/cancel", h.CancelSubscription)
		}

		// Operator routes
		admin := api.Group("/admin")
		admin.Use(middleware.APIKeyAuthMiddleware(cfg.OperatorAPIKey, false))
		{
			admin.GET("/subscriptions", h.ListSubscriptions)
			admin.POST("/subscriptions/:id/refresh", h.RefreshSubscription)
			admin.POST("/subscriptions/:id/sync-plans", h.SyncPlans)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "saas-fulfillment",
		})
	})
}
