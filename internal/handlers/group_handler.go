package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/middlewares"
	"github.com/Gopher0727/GroupChat/internal/services"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

// GroupHandler 群组只读接口
type GroupHandler struct {
	chat   *services.ChatService
	logger *logger.Logger
}

// NewGroupHandler 创建群组处理器实例
func NewGroupHandler(chat *services.ChatService, log *logger.Logger) *GroupHandler {
	return &GroupHandler{
		chat:   chat,
		logger: log.Named("group_handler"),
	}
}

// ListGroups 当前用户所在群组的快照和其余群组的名称
func (h *GroupHandler) ListGroups(c *gin.Context) {
	userID := c.GetString(middlewares.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized",
		})
		return
	}

	ctx := logger.WithTraceID(c.Request.Context(), c.GetHeader("X-Trace-ID"))
	state, err := h.chat.InitialState(ctx, services.Identity{
		UserID: userID,
		Email:  c.GetString(middlewares.ContextUserEmail),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "list groups failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "list groups failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    state,
	})
}

// GetGroup 获取群组快照
func (h *GroupHandler) GetGroup(c *gin.Context) {
	groupID := c.Param("id")
	ctx := logger.WithTraceID(c.Request.Context(), c.GetHeader("X-Trace-ID"))

	group, err := h.chat.GetGroup(ctx, groupID)
	if errors.Is(err, services.ErrGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "get group failed", zap.String("group_id", groupID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "get group failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    group,
	})
}
