package handler

import (
	"crypto/subtle"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"storefront/internal/auth"
	"storefront/internal/config"
	"storefront/internal/infrastructure/ratelimit"
	"storefront/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderAdminToken = "X-Admin-Token"
	HeaderAdminID    = "X-Admin-ID"

	ctxKeyRequestID = "request_id"
	ctxKeyUserID    = "telegram_user_id"
	ctxKeyAdminID   = "admin_id"
)

func requestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// currentUserID initData 校验通过后的 Telegram 用户
func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(ctxKeyUserID)
}

func currentAdminID(c *gin.Context) int64 {
	return c.GetInt64(ctxKeyAdminID)
}

// RequestIDMiddleware 沿用上游的请求 ID，没有就生成一个
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// query 里可能带 initData，不打印
		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s | %s",
			c.Writer.Status(),
			time.Since(start),
			c.ClientIP(),
			c.Request.Method,
			path,
			requestID(c),
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v | %s", err, requestID(c))
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件，小程序页面和接口不同源
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", strings.Join([]string{
			"Origin", "Content-Type", "Authorization", HeaderRequestID,
			auth.HeaderInitData, HeaderAdminToken, HeaderAdminID,
		}, ", "))

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware 按客户端 IP 限流。redis 故障时放行
func RateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Printf("[RateLimit] 限流检查失败，放行: ip=%s, err=%v", c.ClientIP(), err)
		}
		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			response.TooManyRequests(c, "请求过于频繁，请稍后再试")
			return
		}
		c.Next()
	}
}

// TelegramAuthMiddleware 校验小程序 initData，通过后把用户 ID 放进上下文
func TelegramAuthMiddleware(validator *auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		initData := c.GetHeader(auth.HeaderInitData)
		if initData == "" {
			initData = c.Query("initData")
		}

		user, err := validator.Validate(initData)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingInitData) {
				log.Printf("[SECURITY] initData 校验失败: ip=%s, err=%v", c.ClientIP(), err)
			}
			response.Unauthorized(c, "身份校验失败")
			return
		}

		c.Set(ctxKeyUserID, user.ID)
		c.Next()
	}
}

// AdminAuthMiddleware 管理接口需要共享令牌，并且 X-Admin-ID 在管理员名单里。
// 未配置令牌时管理接口整体关闭。
func AdminAuthMiddleware(cfg config.TelegramConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderAdminToken)
		if cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminToken)) != 1 {
			log.Printf("[SECURITY] 管理令牌无效: ip=%s, path=%s", c.ClientIP(), c.Request.URL.Path)
			response.Unauthorized(c, "管理令牌无效")
			return
		}

		adminID, err := strconv.ParseInt(c.GetHeader(HeaderAdminID), 10, 64)
		if err != nil || !cfg.IsAdmin(adminID) {
			log.Printf("[SECURITY] 非管理员访问管理接口: admin_id=%q, ip=%s", c.GetHeader(HeaderAdminID), c.ClientIP())
			response.Forbidden(c, "没有管理权限")
			return
		}

		c.Set(ctxKeyAdminID, adminID)
		c.Next()
	}
}
