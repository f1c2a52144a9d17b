package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

// RateLimitMiddleware 按用户限流, 未认证的请求按客户端 IP 计数
func RateLimitMiddleware(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "http:ip:" + c.ClientIP()
		if userID := c.GetString(ContextUserID); userID != "" {
			key = "http:user:" + userID
		}

		// 限流器不可用时由它自己的 fail-open 配置决定结果
		allowed, _ := limiter.Allow(c.Request.Context(), key)
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too Many Requests - please try again later",
			})
			return
		}
		c.Next()
	}
}

// MaxConcurrencyMiddleware 限制同时处理的请求数量
func MaxConcurrencyMiddleware(maxConcurrent int) gin.HandlerFunc {
	sem := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Service Unavailable - Too many concurrent requests",
			})
		}
	}
}
