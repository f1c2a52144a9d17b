package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/middleware/jwt"
)

const (
	ContextUserID    = "user_id"
	ContextUserEmail = "email"
)

// AuthMiddleware JWT 认证中间件
func AuthMiddleware(tm *jwt.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未提供认证 Token"})
			return
		}

		claims, err := tm.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token 无效或已过期"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.UserEmail)
		c.Next()
	}
}

// extractToken 依次尝试 Authorization 头和 access_token 查询参数 (WebSocket 握手无法携带头)
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	if token := c.Query("access_token"); token != "" {
		return token
	}
	return c.Query("token")
}
