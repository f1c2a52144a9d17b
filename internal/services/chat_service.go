package services

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/models"
	"github.com/Gopher0727/GroupChat/internal/repositories"
	"github.com/Gopher0727/GroupChat/internal/utils"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

// Identity 传输层认证后得到的调用者身份
type Identity struct {
	UserID string
	Email  string
}

// InitialState 连接建立后推送的初始状态
type InitialState struct {
	UserGroups  []models.Group        `json:"userGroups"`
	OtherGroups []models.GroupSummary `json:"otherGroups"`
}

// ChatService 群组工作流
// 每个工作流都是对群组实体和用户实体的若干次独立调用, 顺序固定, 不做回滚;
// 后一步失败会留下可检测但不自动修复的不一致, 所有实体操作都是幂等的, 由客户端重试
type ChatService struct {
	groups    *repositories.GroupRepository
	users     *repositories.UserRepository
	directory *repositories.Directory
	journal   Journal
	cfg       *config.GroupConfig
	logger    *logger.Logger

	newID func() string
	now   func() time.Time
}

func NewChatService(
	groups *repositories.GroupRepository,
	users *repositories.UserRepository,
	directory *repositories.Directory,
	journal Journal,
	cfg *config.GroupConfig,
	log *logger.Logger,
) *ChatService {
	if journal == nil {
		journal = NopJournal{}
	}
	return &ChatService{
		groups:    groups,
		users:     users,
		directory: directory,
		journal:   journal,
		cfg:       cfg,
		logger:    log.Named("chat"),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ChatService) validateName(name string) error {
	switch utils.TextRule(name, s.cfg.NameMaxLength) {
	case "":
		return nil
	case "max":
		return ErrGroupNameTooLong
	default:
		return ErrGroupNameRequired
	}
}

func (s *ChatService) validateMessage(content string) error {
	switch utils.TextRule(content, s.cfg.MessageMaxLength) {
	case "":
		return nil
	case "max":
		return ErrMessageTooLong
	default:
		return ErrMessageEmpty
	}
}

// CreateGroup 创建群组并让创建者加入
// 名称唯一性通过全量目录扫描检查, 与创建不是原子的: 并发的同名创建可能都会成功
func (s *ChatService) CreateGroup(ctx context.Context, caller Identity, name string) (models.Group, error) {
	if err := s.validateName(name); err != nil {
		return models.Group{}, err
	}

	existing, err := s.directory.Collect(ctx)
	if err != nil {
		return models.Group{}, groupErr("list groups", err)
	}
	if lo.ContainsBy(existing, func(g models.GroupSummary) bool { return g.Name == name }) {
		return models.Group{}, ErrNameConflict
	}

	groupID := s.newID()
	if err := s.groups.SetName(ctx, groupID, name); err != nil {
		return models.Group{}, groupErr("set group name", err)
	}
	added, err := s.groups.AddMember(ctx, groupID, caller.UserID)
	if err != nil {
		return models.Group{}, groupErr("add creator", err)
	}
	if !added {
		return models.Group{}, ErrGroupFull
	}
	if err := s.users.AddGroup(ctx, caller.UserID, groupID); err != nil {
		s.logger.ErrorContext(ctx, "group created but user entity not updated",
			zap.String("group_id", groupID),
			zap.String("user_id", caller.UserID),
			zap.Error(err),
		)
		return models.Group{}, groupErr("add group to user", err)
	}

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	s.record(ctx, GroupEvent{Type: EventGroupCreated, GroupID: groupID, UserID: caller.UserID, Name: name})
	s.logger.InfoContext(ctx, "group created",
		zap.String("group_id", groupID),
		zap.String("user_id", caller.UserID),
	)
	return group, nil
}

// JoinGroup 先在群组实体上占位以保证容量检查, 再通知用户实体
// 第二步失败时群组认为用户已加入而用户实体不知道, 不自动修复
func (s *ChatService) JoinGroup(ctx context.Context, caller Identity, groupID string) (models.Group, error) {
	added, err := s.groups.AddMember(ctx, groupID, caller.UserID)
	if err != nil {
		return models.Group{}, groupErr("add member", err)
	}
	if !added {
		return models.Group{}, ErrGroupFull
	}
	if err := s.users.AddGroup(ctx, caller.UserID, groupID); err != nil {
		s.logger.ErrorContext(ctx, "member added to group but user entity not updated",
			zap.String("group_id", groupID),
			zap.String("user_id", caller.UserID),
			zap.Error(err),
		)
		return models.Group{}, groupErr("add group to user", err)
	}

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	s.record(ctx, GroupEvent{Type: EventMemberJoined, GroupID: groupID, UserID: caller.UserID})
	return group, nil
}

// LeaveGroup 两步都是幂等的, 部分失败后重试是安全的
// 群组不存在时仍会清理用户实体上的引用
func (s *ChatService) LeaveGroup(ctx context.Context, caller Identity, groupID string) (models.Group, error) {
	groupMissing := false
	if err := s.groups.RemoveMember(ctx, groupID, caller.UserID); err != nil {
		if !errors.Is(err, actor.ErrNotFound) {
			return models.Group{}, groupErr("remove member", err)
		}
		groupMissing = true
	}
	if err := s.users.RemoveGroup(ctx, caller.UserID, groupID); err != nil {
		return models.Group{}, groupErr("remove group from user", err)
	}
	if groupMissing {
		return models.Group{}, ErrGroupNotFound
	}

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	s.record(ctx, GroupEvent{Type: EventMemberLeft, GroupID: groupID, UserID: caller.UserID})
	return group, nil
}

// PostMessage 追加消息后读取快照, 快照中的成员即通知对象
func (s *ChatService) PostMessage(ctx context.Context, caller Identity, groupID, content string) (models.Group, error) {
	if err := s.validateMessage(content); err != nil {
		return models.Group{}, err
	}

	msg := models.GroupMessage{
		Content:   content,
		UserID:    caller.UserID,
		Email:     caller.Email,
		CreatedAt: s.now(),
	}
	if err := s.groups.AppendMessage(ctx, groupID, msg); err != nil {
		return models.Group{}, groupErr("append message", err)
	}

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	s.record(ctx, GroupEvent{Type: EventMessagePosted, GroupID: groupID, UserID: caller.UserID, Content: content})
	return group, nil
}

func (s *ChatService) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	group, err := s.groups.Snapshot(ctx, groupID)
	if err != nil {
		return models.Group{}, groupErr("snapshot group", err)
	}
	return group, nil
}

// InitialState 用户所在群组给出完整快照, 其余群组只给 id 和名称
func (s *ChatService) InitialState(ctx context.Context, caller Identity) (InitialState, error) {
	groupIDs, err := s.users.ListGroups(ctx, caller.UserID)
	if err != nil {
		return InitialState{}, groupErr("list user groups", err)
	}
	all, err := s.directory.Collect(ctx)
	if err != nil {
		return InitialState{}, groupErr("list groups", err)
	}

	state := InitialState{
		UserGroups:  make([]models.Group, 0, len(groupIDs)),
		OtherGroups: lo.Filter(all, func(g models.GroupSummary, _ int) bool { return !lo.Contains(groupIDs, g.ID) }),
	}
	for _, id := range groupIDs {
		group, err := s.GetGroup(ctx, id)
		if errors.Is(err, ErrGroupNotFound) {
			s.logger.WarnContext(ctx, "user references missing group",
				zap.String("user_id", caller.UserID),
				zap.String("group_id", id),
			)
			continue
		}
		if err != nil {
			return InitialState{}, err
		}
		state.UserGroups = append(state.UserGroups, group)
	}

	slices.SortFunc(state.OtherGroups, func(a, b models.GroupSummary) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return state, nil
}

func (s *ChatService) record(ctx context.Context, event GroupEvent) {
	event.CreatedAt = s.now()
	if err := s.journal.Record(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "journal write failed",
			zap.String("type", event.Type),
			zap.String("group_id", event.GroupID),
			zap.Error(err),
		)
	}
}
