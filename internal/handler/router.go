package handler

import (
	"time"

	"storefront/internal/auth"
	"storefront/internal/config"
	"storefront/internal/infrastructure/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, rdb *redis.Client, h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 全局中间件
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// 网关回调不限流，网关会按响应码重试
	r.POST("/webhook/wata", h.WataWebhook)

	// 支付完成后的跳转页
	r.GET("/payment/success", h.PaymentSuccess)
	r.GET("/payment/fail", h.PaymentFail)

	limiter := ratelimit.New(rdb, ratelimit.Config{
		PerMinute: cfg.Business.RateLimitPerMinute,
		Burst:     cfg.Business.RateLimitBurst,
		Block:     time.Duration(cfg.Business.RateLimitBlockSeconds) * time.Second,
	})
	api := r.Group("/api", RateLimitMiddleware(limiter))
	api.GET("/wata-status", h.WataStatus)

	validator := auth.NewValidator(cfg.Telegram.BotToken, time.Duration(cfg.Telegram.InitDataMaxAgeSeconds)*time.Second)
	user := api.Group("", TelegramAuthMiddleware(validator))
	{
		user.GET("/user/:id", h.GetUser)
		user.GET("/user/:id/orders", h.GetUserOrders)
		user.GET("/orders/:id", h.GetOrder)
		user.POST("/purchase", h.Purchase)
		user.POST("/purchase-balance", h.PurchaseWithBalance)
		user.POST("/create-sbp-payment", h.CreateSbpPayment)
	}

	admin := api.Group("/admin", AdminAuthMiddleware(cfg.Telegram))
	{
		admin.GET("/orders/open", h.ListOpenOrders)
		admin.POST("/orders/:id/confirm", h.ConfirmOrder)
		admin.POST("/orders/:id/cancel", h.CancelOrder)
		admin.POST("/balance/set", h.SetBalance)
		admin.POST("/balance/adjust", h.AdjustBalance)
		admin.POST("/reconcile", h.Reconcile)
		admin.GET("/notifications/unmatched", h.UnmatchedNotifications)
		admin.POST("/products/:id/invalidate", h.InvalidateProduct)
	}

	return r
}
