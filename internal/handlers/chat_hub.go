package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/models"
	"github.com/Gopher0727/GroupChat/internal/notify"
	"github.com/Gopher0727/GroupChat/internal/services"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

// 客户端请求方法
const (
	MethodInitializeState = "InitializeState"
	MethodNewGroup        = "NewGroup"
	MethodJoinGroup       = "JoinGroup"
	MethodLeaveGroup      = "LeaveGroup"
	MethodNewMessage      = "NewMessage"
)

// Request 客户端通过 WebSocket 发来的一帧
type Request struct {
	Method  string         `json:"method"`
	Payload RequestPayload `json:"payload"`
}

type RequestPayload struct {
	GroupID      string  `json:"groupId"`
	NewGroupName string  `json:"newGroupName"`
	NewMessage   string  `json:"newMessage"`
	Counter      Counter `json:"counter"`
}

// Counter 客户端请求序号, 原样回显在结果里
// 接受数字和数字字符串; 其它值按 0 处理, 不会让整帧解析失败
type Counter int

func (c *Counter) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*c = 0
		return nil
	}
	if i, err := n.Int64(); err == nil {
		*c = Counter(i)
		return nil
	}
	if f, err := n.Float64(); err == nil {
		*c = Counter(f)
		return nil
	}
	*c = 0
	return nil
}

// GroupResult 创建和加入的结果, 只发给请求方
type GroupResult struct {
	Group        *models.Group `json:"group,omitempty"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Counter      int           `json:"counter"`
}

type InitialStateResult struct {
	services.InitialState
	Counter int `json:"counter"`
}

type ErrorResult struct {
	Method       string `json:"method"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
	Counter      int    `json:"counter"`
}

type NewGroupAnnouncement struct {
	Group models.Group `json:"group"`
}

// MemberChange 成员加入或离开的通知
type MemberChange struct {
	UserID  string       `json:"userId"`
	GroupID string       `json:"groupId"`
	Group   models.Group `json:"group"`
}

// NewMessageAnnouncement 携带完整的消息记录
type NewMessageAnnouncement struct {
	GroupID  string                `json:"groupId"`
	Messages []models.GroupMessage `json:"messages"`
}

// Notifier 把事件投递给接收方
type Notifier interface {
	Dispatch(ctx context.Context, audience notify.Audience, event string, payload any) error
}

// ChatHub 处理 WebSocket 请求, 调用 ChatService 后按事件类型决定接收方
// 失败只回复请求方连接, 不会广播
type ChatHub struct {
	chat     *services.ChatService
	notifier Notifier
	limiter  ratelimit.Limiter
	cfg      *config.GroupConfig
	logger   *logger.Logger
}

var _ ws.FrameHandler = (*ChatHub)(nil)

func NewChatHub(chat *services.ChatService, notifier Notifier, limiter ratelimit.Limiter, cfg *config.GroupConfig, log *logger.Logger) *ChatHub {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &ChatHub{
		chat:     chat,
		notifier: notifier,
		limiter:  limiter,
		cfg:      cfg,
		logger:   log.Named("chathub"),
	}
}

// HandleFrame 解析请求并分发到对应的方法
func (h *ChatHub) HandleFrame(ctx context.Context, s ws.Session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.WarnContext(ctx, "invalid request frame",
			zap.String("connection_id", s.ConnectionID),
			zap.Error(err),
		)
		h.reply(ctx, s, notify.EventError, ErrorResult{ErrorMessage: "Invalid request!"})
		return
	}

	caller := services.Identity{UserID: s.UserID, Email: s.Email}
	if err := h.allow(ctx, caller); err != nil {
		h.fail(ctx, s, req, err)
		return
	}

	switch req.Method {
	case MethodInitializeState:
		h.initializeState(ctx, s, caller, req)
	case MethodNewGroup:
		h.newGroup(ctx, s, caller, req)
	case MethodJoinGroup:
		h.joinGroup(ctx, s, caller, req)
	case MethodLeaveGroup:
		h.leaveGroup(ctx, s, caller, req)
	case MethodNewMessage:
		h.newMessage(ctx, s, caller, req)
	default:
		h.reply(ctx, s, notify.EventError, ErrorResult{
			Method:       req.Method,
			ErrorMessage: fmt.Sprintf("Unknown method '%s'", req.Method),
			Counter:      int(req.Payload.Counter),
		})
	}
}

func (h *ChatHub) allow(ctx context.Context, caller services.Identity) error {
	allowed, err := h.limiter.Allow(ctx, "chat:user:"+caller.UserID)
	if err != nil {
		h.logger.WarnContext(ctx, "rate limiter unavailable", zap.Error(err))
	}
	if !allowed {
		return services.ErrRateLimited
	}
	return nil
}

func (h *ChatHub) initializeState(ctx context.Context, s ws.Session, caller services.Identity, req Request) {
	state, err := h.chat.InitialState(ctx, caller)
	if err != nil {
		h.fail(ctx, s, req, err)
		return
	}
	h.reply(ctx, s, notify.EventInitialState, InitialStateResult{InitialState: state, Counter: int(req.Payload.Counter)})
}

func (h *ChatHub) newGroup(ctx context.Context, s ws.Session, caller services.Identity, req Request) {
	group, err := h.chat.CreateGroup(ctx, caller, req.Payload.NewGroupName)
	if err != nil {
		h.fail(ctx, s, req, err)
		return
	}
	h.reply(ctx, s, notify.EventNewGroupResult, GroupResult{Group: &group, Success: true, Counter: int(req.Payload.Counter)})
	h.dispatch(ctx, notify.Everyone(), notify.EventNewGroup, NewGroupAnnouncement{Group: group})
}

func (h *ChatHub) joinGroup(ctx context.Context, s ws.Session, caller services.Identity, req Request) {
	group, err := h.chat.JoinGroup(ctx, caller, req.Payload.GroupID)
	if err != nil {
		h.fail(ctx, s, req, err)
		return
	}
	h.reply(ctx, s, notify.EventJoinResult, GroupResult{Group: &group, Success: true, Counter: int(req.Payload.Counter)})
	h.dispatch(ctx, notify.Users(group.Users...), notify.EventNewMember, MemberChange{
		UserID:  caller.UserID,
		GroupID: group.ID,
		Group:   group,
	})
}

// leaveGroup 离开者收到 LeaveSuccess, 剩余成员收到 MemberLeft
func (h *ChatHub) leaveGroup(ctx context.Context, s ws.Session, caller services.Identity, req Request) {
	group, err := h.chat.LeaveGroup(ctx, caller, req.Payload.GroupID)
	if err != nil {
		h.fail(ctx, s, req, err)
		return
	}
	h.reply(ctx, s, notify.EventLeaveSuccess, group.ID)
	h.dispatch(ctx, notify.Users(group.Users...), notify.EventMemberLeft, MemberChange{
		UserID:  caller.UserID,
		GroupID: group.ID,
		Group:   group,
	})
}

func (h *ChatHub) newMessage(ctx context.Context, s ws.Session, caller services.Identity, req Request) {
	group, err := h.chat.PostMessage(ctx, caller, req.Payload.GroupID, req.Payload.NewMessage)
	if err != nil {
		h.fail(ctx, s, req, err)
		return
	}
	h.dispatch(ctx, notify.Users(group.Users...), notify.EventNewMessage, NewMessageAnnouncement{
		GroupID:  group.ID,
		Messages: group.Messages,
	})
}

// fail 把服务层错误转换为请求方能看懂的结果
func (h *ChatHub) fail(ctx context.Context, s ws.Session, req Request, err error) {
	message := h.errorMessage(req, err)
	if errors.Is(err, services.ErrRateLimited) || services.IsValidation(err) ||
		errors.Is(err, services.ErrNameConflict) || errors.Is(err, services.ErrGroupFull) ||
		errors.Is(err, services.ErrGroupNotFound) {
		h.logger.DebugContext(ctx, "request rejected",
			zap.String("method", req.Method),
			zap.String("user_id", s.UserID),
			zap.Error(err),
		)
	} else {
		h.logger.ErrorContext(ctx, "request failed",
			zap.String("method", req.Method),
			zap.String("user_id", s.UserID),
			zap.Error(err),
		)
	}

	switch req.Method {
	case MethodNewGroup:
		h.reply(ctx, s, notify.EventNewGroupResult, GroupResult{ErrorMessage: message, Counter: int(req.Payload.Counter)})
	case MethodJoinGroup:
		h.reply(ctx, s, notify.EventJoinResult, GroupResult{ErrorMessage: message, Counter: int(req.Payload.Counter)})
	default:
		h.reply(ctx, s, notify.EventError, ErrorResult{Method: req.Method, ErrorMessage: message, Counter: int(req.Payload.Counter)})
	}
}

func (h *ChatHub) errorMessage(req Request, err error) string {
	switch {
	case errors.Is(err, services.ErrRateLimited):
		return "Too many requests, slow down!"
	case errors.Is(err, services.ErrGroupNameRequired):
		return "A group name is required!"
	case errors.Is(err, services.ErrGroupNameTooLong):
		return fmt.Sprintf("Group name max length is %d characters", h.cfg.NameMaxLength)
	case errors.Is(err, services.ErrNameConflict):
		return fmt.Sprintf("Failed to create group. Group name '%s' already exists!", req.Payload.NewGroupName)
	case errors.Is(err, services.ErrGroupFull):
		return "Group is full, can't join!"
	case errors.Is(err, services.ErrGroupNotFound):
		return "Group not found!"
	case errors.Is(err, services.ErrMessageEmpty):
		return "Message can't be empty!"
	case errors.Is(err, services.ErrMessageTooLong):
		return fmt.Sprintf("Message max length is %d characters", h.cfg.MessageMaxLength)
	default:
		return "Something went wrong, please retry"
	}
}

func (h *ChatHub) reply(ctx context.Context, s ws.Session, event string, payload any) {
	h.dispatch(ctx, notify.Connection(s.ConnectionID), event, payload)
}

func (h *ChatHub) dispatch(ctx context.Context, audience notify.Audience, event string, payload any) {
	if audience.Empty() {
		return
	}
	if err := h.notifier.Dispatch(ctx, audience, event, payload); err != nil {
		h.logger.WarnContext(ctx, "dispatch failed",
			zap.String("event", event),
			zap.String("audience", audience.Kind.String()),
			zap.Error(err),
		)
	}
}
