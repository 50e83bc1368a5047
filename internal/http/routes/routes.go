package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoini/proposalkraft-billing/internal/app"
	"github.com/Dhoini/proposalkraft-billing/internal/middleware"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, app *app.App, log *logger.Logger) {
	// Промежуточное ПО для всех запросов
	router.Use(app.LoggerMiddleware)
	router.Use(gin.Recovery())
	router.Use(app.CORSMiddleware)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		// Вебхуки провайдеров: подлинность проверяет сам парсер
		api.POST("/webhooks/:provider", app.WebhookHandler.HandleWebhook)

		// Решение защитника доступно и анонимно
		api.GET("/session/decision", app.AuthMiddleware.OptionalAuth(), app.SessionHandler.Decision)

		auth := api.Group("")
		auth.Use(app.AuthMiddleware.RequireAuth())

		subscription := auth.Group("/subscription")
		{
			subscription.POST("/verify", app.VerifyLimiter.Middleware(), app.SubscriptionHandler.Verify)
			subscription.GET("/entitlement", app.SubscriptionHandler.Entitlement)
		}

		auth.GET("/session/watch", app.SessionHandler.Watch)

		hooks := auth.Group("/outbound-webhooks")
		{
			hooks.GET("", app.OutboundHandler.List)
			hooks.POST("", app.OutboundHandler.Create)
			hooks.DELETE("/:id", app.OutboundHandler.Delete)
		}

		auth.POST("/payments/paypal/capture", app.PaymentHandler.CapturePayPalOrder)

		// Ресурсы только для пользователей с активной подпиской
		protected := api.Group("/app")
		protected.Use(app.AuthMiddleware.OptionalAuth(), app.EntitlementGuard)
		{
			protected.GET("/access", func(c *gin.Context) {
				ent, _ := c.Get(string(middleware.ContextEntitlementKey))
				c.JSON(http.StatusOK, gin.H{"entitlement": ent})
			})
		}
	}

	log.Infow("API routes successfully configured")
}
