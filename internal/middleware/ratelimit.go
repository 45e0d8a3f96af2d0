package middleware

import (
	"go.uber.org/zap"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/secure-auth-api/internal/service"
	"github.com/noah-isme/secure-auth-api/pkg/response"
)

// APIRateLimit applies the advisory per-IP limit to general traffic.
// Limiter backend failures let the request through.
func APIRateLimit(lockout *service.LockoutService, metrics *service.MetricsService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		result, err := lockout.CheckAPILimit(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("api rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			if metrics != nil {
				metrics.ObserveRateLimited("api")
			}
			response.RateLimited(c, result.RetryAfter)
			c.Abort()
			return
		}
		c.Next()
	}
}

// AuthRateLimit applies the strict per-IP limit to credential endpoints.
// Exceeding it blocks the IP for the configured block window.
func AuthRateLimit(lockout *service.LockoutService, metrics *service.MetricsService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		result, err := lockout.CheckAuthLimit(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("auth rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			if metrics != nil {
				metrics.ObserveRateLimited("auth")
			}
			response.RateLimited(c, result.RetryAfter)
			c.Abort()
			return
		}
		c.Next()
	}
}
