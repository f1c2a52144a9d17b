package repositories

import (
	"context"
	"slices"

	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/cluster"
	"github.com/Gopher0727/GroupChat/internal/models"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const UserKind = "user"

const (
	opUserAddGroup    = "user.addGroup"
	opUserRemoveGroup = "user.removeGroup"
	opUserListGroups  = "user.listGroups"
)

type userArgs struct {
	UserID  string `json:"userId"`
	GroupID string `json:"groupId,omitempty"`
}

// UserRepository 用户实体, 首次引用时惰性创建
type UserRepository struct {
	host   *actor.Host[models.UserState]
	router *cluster.Router
}

func NewUserRepository(store actor.StateStore, opts actor.Options, log *logger.Logger) *UserRepository {
	newState := func(id string) models.UserState {
		return models.UserState{ID: id, GroupIDs: []string{}}
	}
	return &UserRepository{
		host: actor.NewHost(UserKind, opts, store, newState, log),
	}
}

func (r *UserRepository) Host() *actor.Host[models.UserState] { return r.host }

func (r *UserRepository) Attach(router *cluster.Router) {
	r.router = router

	cluster.Register(router, opUserAddGroup, func(ctx context.Context, a userArgs) (any, error) {
		return nil, r.addGroup(ctx, a.UserID, a.GroupID)
	})
	cluster.Register(router, opUserRemoveGroup, func(ctx context.Context, a userArgs) (any, error) {
		return nil, r.removeGroup(ctx, a.UserID, a.GroupID)
	})
	cluster.Register(router, opUserListGroups, func(ctx context.Context, a userArgs) (any, error) {
		return r.listGroups(ctx, a.UserID)
	})
}

func (r *UserRepository) remote(userID string) (node string, ok bool) {
	if r.router == nil || userID == "" {
		return "", false
	}
	node = r.router.Owner(userID)
	return node, node != r.router.Self()
}

func (r *UserRepository) AddGroup(ctx context.Context, userID, groupID string) error {
	if node, ok := r.remote(userID); ok {
		return r.router.Call(ctx, node, opUserAddGroup, userArgs{UserID: userID, GroupID: groupID}, nil)
	}
	return r.addGroup(ctx, userID, groupID)
}

func (r *UserRepository) RemoveGroup(ctx context.Context, userID, groupID string) error {
	if node, ok := r.remote(userID); ok {
		return r.router.Call(ctx, node, opUserRemoveGroup, userArgs{UserID: userID, GroupID: groupID}, nil)
	}
	return r.removeGroup(ctx, userID, groupID)
}

// ListGroups 返回用户当前所在群组 id 的有序拷贝
func (r *UserRepository) ListGroups(ctx context.Context, userID string) ([]string, error) {
	if node, ok := r.remote(userID); ok {
		var ids []string
		err := r.router.Call(ctx, node, opUserListGroups, userArgs{UserID: userID}, &ids)
		return ids, err
	}
	return r.listGroups(ctx, userID)
}

func (r *UserRepository) addGroup(ctx context.Context, userID, groupID string) error {
	return r.host.Ask(ctx, userID, func(s *models.UserState) (bool, error) {
		pos, found := slices.BinarySearch(s.GroupIDs, groupID)
		if found {
			return false, nil
		}
		s.GroupIDs = slices.Insert(s.GroupIDs, pos, groupID)
		return true, nil
	})
}

func (r *UserRepository) removeGroup(ctx context.Context, userID, groupID string) error {
	return r.host.Ask(ctx, userID, func(s *models.UserState) (bool, error) {
		pos, found := slices.BinarySearch(s.GroupIDs, groupID)
		if !found {
			return false, nil
		}
		s.GroupIDs = slices.Delete(s.GroupIDs, pos, pos+1)
		return true, nil
	})
}

func (r *UserRepository) listGroups(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.host.Ask(ctx, userID, func(s *models.UserState) (bool, error) {
		ids = slices.Clone(s.GroupIDs)
		return false, nil
	})
	return ids, err
}
