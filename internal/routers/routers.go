package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/internal/handlers"
	"github.com/Gopher0727/GroupChat/internal/middlewares"
	"github.com/Gopher0727/GroupChat/internal/utils"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

// Options 路由依赖
type Options struct {
	Tokens        *jwt.TokenManager
	Limiter       ratelimit.Limiter
	MaxConcurrent int
	Pool          *utils.WorkerPool // 执行 HTTP 接口的处理链, 为 nil 时同步执行
	Groups        *handlers.GroupHandler
	ServeWs       gin.HandlerFunc // WebSocket 升级, 由调用方绑定 Hub
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, opts Options) {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"Status": "OK",
		})
	})

	// WebSocket 路由, 握手时从查询参数读取 Token
	r.GET("/ws", middlewares.AuthMiddleware(opts.Tokens), opts.ServeWs)

	api := r.Group("/api/v1")
	if opts.MaxConcurrent > 0 {
		api.Use(middlewares.MaxConcurrencyMiddleware(opts.MaxConcurrent))
	}
	api.Use(
		middlewares.AuthMiddleware(opts.Tokens),
		middlewares.RateLimitMiddleware(opts.Limiter),
		middlewares.AsyncMiddleware(opts.Pool),
	)

	RegisterGroupRoutes(api, opts.Groups)
}

// GroupHandler 接口定义, 写操作只通过 WebSocket 进行
func RegisterGroupRoutes(api *gin.RouterGroup, groupHandler *handlers.GroupHandler) {
	groupGroup := api.Group("/groups")
	{
		groupGroup.GET("", groupHandler.ListGroups)   // 我的群组和其余群组
		groupGroup.GET("/:id", groupHandler.GetGroup) // 群组快照
	}
}
