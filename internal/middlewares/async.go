package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/internal/utils"
)

// AsyncMiddleware 把请求的后续处理链提交到 Worker Pool 执行
// 同一用户的请求落在同一条通道上按顺序处理, 队列满时排队而不是拒绝
// pool 为 nil 时直接同步执行
func AsyncMiddleware(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		key := "http:ip:" + c.ClientIP()
		if userID := c.GetString(ContextUserID); userID != "" {
			key = "http:user:" + userID
		}

		// 主协程阻塞等待, 同一时间只有 worker 在操作 c
		done := make(chan struct{})
		task := func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"error": "Internal Server Error",
					})
				}
			}()
			c.Next()
		}

		if err := pool.Submit(key, task); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Service Unavailable - server is shutting down",
			})
			return
		}
		<-done
	}
}
