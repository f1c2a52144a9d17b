package repositories

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/cluster"
	"github.com/Gopher0727/GroupChat/internal/models"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const GroupKind = "group"

// 转发到归属节点时使用的方法名
const (
	opGroupSetName       = "group.setName"
	opGroupAddMember     = "group.addMember"
	opGroupRemoveMember  = "group.removeMember"
	opGroupAppendMessage = "group.appendMessage"
	opGroupSnapshot      = "group.snapshot"
	opGroupSummary       = "group.summary"
	opGroupPage          = "group.page"
)

type groupArgs struct {
	GroupID string              `json:"groupId"`
	Name    string              `json:"name,omitempty"`
	UserID  string              `json:"userId,omitempty"`
	Message models.GroupMessage `json:"message"`
}

type pageArgs struct {
	Partition int    `json:"partition"`
	Token     string `json:"token"`
	Limit     int    `json:"limit"`
}

// SummaryPage 一个分区中的一页群组摘要
type SummaryPage struct {
	Groups []models.GroupSummary `json:"groups"`
	Next   string                `json:"next"`
}

// GroupRepository 群组实体的操作入口
// 每个方法都是对单个群组实体的一次串行调用, 容量检查因此是原子的
// 配置了集群时调用被转发到群组的归属节点
type GroupRepository struct {
	host   *actor.Host[models.GroupState]
	router *cluster.Router
}

// NewGroupRepository 首次激活的群组以一条欢迎消息开头
func NewGroupRepository(store actor.StateStore, opts actor.Options, cfg *config.GroupConfig, log *logger.Logger) *GroupRepository {
	newState := func(id string) models.GroupState {
		return models.GroupState{
			ID:       id,
			Capacity: cfg.Capacity,
			Members:  []string{},
			Messages: []models.GroupMessage{{
				Content:   cfg.WelcomeMessage,
				UserID:    cfg.WelcomeAuthor,
				CreatedAt: time.Now().UTC(),
			}},
		}
	}
	return &GroupRepository{
		host: actor.NewHost(GroupKind, opts, store, newState, log),
	}
}

func (r *GroupRepository) Host() *actor.Host[models.GroupState] { return r.host }

// Attach 加入集群: 登记供其它节点转发的方法, 之后非本节点的群组都走转发
func (r *GroupRepository) Attach(router *cluster.Router) {
	r.router = router

	cluster.Register(router, opGroupSetName, func(ctx context.Context, a groupArgs) (any, error) {
		return nil, r.setName(ctx, a.GroupID, a.Name)
	})
	cluster.Register(router, opGroupAddMember, func(ctx context.Context, a groupArgs) (any, error) {
		return r.addMember(ctx, a.GroupID, a.UserID)
	})
	cluster.Register(router, opGroupRemoveMember, func(ctx context.Context, a groupArgs) (any, error) {
		return nil, r.removeMember(ctx, a.GroupID, a.UserID)
	})
	cluster.Register(router, opGroupAppendMessage, func(ctx context.Context, a groupArgs) (any, error) {
		return nil, r.appendMessage(ctx, a.GroupID, a.Message)
	})
	cluster.Register(router, opGroupSnapshot, func(ctx context.Context, a groupArgs) (any, error) {
		return r.snapshot(ctx, a.GroupID)
	})
	cluster.Register(router, opGroupSummary, func(ctx context.Context, a groupArgs) (any, error) {
		return r.summary(ctx, a.GroupID)
	})
	cluster.Register(router, opGroupPage, func(ctx context.Context, a pageArgs) (any, error) {
		return r.localPage(ctx, a.Partition, a.Token, a.Limit)
	})
}

// Restore 重建本节点负责的群组索引
func (r *GroupRepository) Restore(ctx context.Context) (int, error) {
	var owns func(string) bool
	if r.router != nil {
		owns = r.router.Owns
	}
	return r.host.Restore(ctx, owns)
}

// Nodes 目录需要扫描的节点
func (r *GroupRepository) Nodes() []string {
	if r.router == nil {
		return []string{""}
	}
	return r.router.Nodes()
}

// remote 返回 groupID 的归属节点, 归本节点时 ok 为 false
func (r *GroupRepository) remote(groupID string) (node string, ok bool) {
	if r.router == nil || groupID == "" {
		return "", false
	}
	node = r.router.Owner(groupID)
	return node, node != r.router.Self()
}

// SetName 覆盖群名; 群组不存在时创建
func (r *GroupRepository) SetName(ctx context.Context, groupID, name string) error {
	if node, ok := r.remote(groupID); ok {
		return r.router.Call(ctx, node, opGroupSetName, groupArgs{GroupID: groupID, Name: name}, nil)
	}
	return r.setName(ctx, groupID, name)
}

// AddMember 群已满时返回 false 且不修改; 已是成员时返回 true
func (r *GroupRepository) AddMember(ctx context.Context, groupID, userID string) (bool, error) {
	if node, ok := r.remote(groupID); ok {
		var added bool
		err := r.router.Call(ctx, node, opGroupAddMember, groupArgs{GroupID: groupID, UserID: userID}, &added)
		return added, err
	}
	return r.addMember(ctx, groupID, userID)
}

// RemoveMember 幂等, 不在群内时什么也不做
func (r *GroupRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	if node, ok := r.remote(groupID); ok {
		return r.router.Call(ctx, node, opGroupRemoveMember, groupArgs{GroupID: groupID, UserID: userID}, nil)
	}
	return r.removeMember(ctx, groupID, userID)
}

// AppendMessage 追加到消息日志末尾
// 时间戳早于上一条消息时取上一条的时间, 保证日志内时间不回退
func (r *GroupRepository) AppendMessage(ctx context.Context, groupID string, msg models.GroupMessage) error {
	if node, ok := r.remote(groupID); ok {
		return r.router.Call(ctx, node, opGroupAppendMessage, groupArgs{GroupID: groupID, Message: msg}, nil)
	}
	return r.appendMessage(ctx, groupID, msg)
}

func (r *GroupRepository) Snapshot(ctx context.Context, groupID string) (models.Group, error) {
	if node, ok := r.remote(groupID); ok {
		var snap models.Group
		err := r.router.Call(ctx, node, opGroupSnapshot, groupArgs{GroupID: groupID}, &snap)
		return snap, err
	}
	return r.snapshot(ctx, groupID)
}

func (r *GroupRepository) Summary(ctx context.Context, groupID string) (models.GroupSummary, error) {
	if node, ok := r.remote(groupID); ok {
		var sum models.GroupSummary
		err := r.router.Call(ctx, node, opGroupSummary, groupArgs{GroupID: groupID}, &sum)
		return sum, err
	}
	return r.summary(ctx, groupID)
}

// Page 读取 node 上第 partition 个分区的一页摘要, node 为空或为本节点时读本地
// 各节点的分区数量由相同的 actor 配置决定
func (r *GroupRepository) Page(ctx context.Context, node string, partition int, token string, limit int) (SummaryPage, error) {
	if r.router != nil && node != "" && node != r.router.Self() {
		var page SummaryPage
		err := r.router.Call(ctx, node, opGroupPage, pageArgs{Partition: partition, Token: token, Limit: limit}, &page)
		return page, err
	}
	return r.localPage(ctx, partition, token, limit)
}

func (r *GroupRepository) localPage(ctx context.Context, partition int, token string, limit int) (SummaryPage, error) {
	partitions := r.host.Partitions()
	if partition < 0 || partition >= len(partitions) {
		return SummaryPage{}, nil
	}
	keys, next := partitions[partition].Page(token, limit)
	page := SummaryPage{Groups: make([]models.GroupSummary, 0, len(keys)), Next: next}
	for _, id := range keys {
		sum, err := r.summary(ctx, id)
		if errors.Is(err, actor.ErrNotFound) {
			continue
		}
		if err != nil {
			return SummaryPage{}, err
		}
		page.Groups = append(page.Groups, sum)
	}
	return page, nil
}

func (r *GroupRepository) setName(ctx context.Context, groupID, name string) error {
	return r.host.Ask(ctx, groupID, func(s *models.GroupState) (bool, error) {
		s.Name = name
		return true, nil
	})
}

func (r *GroupRepository) addMember(ctx context.Context, groupID, userID string) (bool, error) {
	var added bool
	err := r.host.AskExisting(ctx, groupID, func(s *models.GroupState) (bool, error) {
		if s.IsFull() {
			return false, nil
		}
		added = true
		pos, found := slices.BinarySearch(s.Members, userID)
		if found {
			return false, nil
		}
		s.Members = slices.Insert(s.Members, pos, userID)
		return true, nil
	})
	return added, err
}

func (r *GroupRepository) removeMember(ctx context.Context, groupID, userID string) error {
	return r.host.AskExisting(ctx, groupID, func(s *models.GroupState) (bool, error) {
		pos, found := slices.BinarySearch(s.Members, userID)
		if !found {
			return false, nil
		}
		s.Members = slices.Delete(s.Members, pos, pos+1)
		return true, nil
	})
}

func (r *GroupRepository) appendMessage(ctx context.Context, groupID string, msg models.GroupMessage) error {
	return r.host.AskExisting(ctx, groupID, func(s *models.GroupState) (bool, error) {
		if n := len(s.Messages); n > 0 && msg.CreatedAt.Before(s.Messages[n-1].CreatedAt) {
			msg.CreatedAt = s.Messages[n-1].CreatedAt
		}
		s.Messages = append(s.Messages, msg)
		return true, nil
	})
}

func (r *GroupRepository) snapshot(ctx context.Context, groupID string) (models.Group, error) {
	var snap models.Group
	err := r.host.AskExisting(ctx, groupID, func(s *models.GroupState) (bool, error) {
		snap = s.Snapshot()
		return false, nil
	})
	return snap, err
}

func (r *GroupRepository) summary(ctx context.Context, groupID string) (models.GroupSummary, error) {
	var sum models.GroupSummary
	err := r.host.AskExisting(ctx, groupID, func(s *models.GroupState) (bool, error) {
		sum = s.Summary()
		return false, nil
	})
	return sum, err
}
