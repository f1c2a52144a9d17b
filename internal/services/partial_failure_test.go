package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/repositories"
)

var errUserStoreDown = errors.New("user store down")

// kindFailingStore 在 failing 打开时拒绝写入某一类实体
type kindFailingStore struct {
	*actor.MemoryStore
	kind    string
	failing atomic.Bool
}

func newKindFailingStore(kind string) *kindFailingStore {
	return &kindFailingStore{MemoryStore: actor.NewMemoryStore(), kind: kind}
}

func (s *kindFailingStore) Save(ctx context.Context, kind, key string, v any) error {
	if kind == s.kind && s.failing.Load() {
		return errUserStoreDown
	}
	return s.MemoryStore.Save(ctx, kind, key, v)
}

func TestJoinGroup_UserSaveFailsLeavesGroupAhead(t *testing.T) {
	store := newKindFailingStore(repositories.UserKind)
	f := newFixtureWithStore(t, store)
	ctx := context.Background()

	group, err := f.svc.CreateGroup(ctx, alice, "Team")
	require.NoError(t, err)

	store.failing.Store(true)
	_, err = f.svc.JoinGroup(ctx, bob, group.ID)
	require.ErrorIs(t, err, errUserStoreDown)

	// 群组实体已经记下 bob, 用户实体没有
	snap, err := f.svc.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, snap.Users)
	ids, err := f.users.ListGroups(ctx, bob.UserID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	state, err := f.svc.InitialState(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, state.UserGroups)

	// 存储恢复后重试离开, 两个实体都回到一致
	store.failing.Store(false)
	_, err = f.svc.LeaveGroup(ctx, bob, group.ID)
	require.NoError(t, err)

	snap, err = f.svc.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, snap.Users)
	ids, err = f.users.ListGroups(ctx, bob.UserID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestJoinGroup_RetryAfterRecoveryConverges(t *testing.T) {
	store := newKindFailingStore(repositories.UserKind)
	f := newFixtureWithStore(t, store)
	ctx := context.Background()

	group, err := f.svc.CreateGroup(ctx, alice, "Team")
	require.NoError(t, err)
	// alice 离开后群里有空位
	_, err = f.svc.LeaveGroup(ctx, alice, group.ID)
	require.NoError(t, err)

	store.failing.Store(true)
	_, err = f.svc.JoinGroup(ctx, bob, group.ID)
	require.ErrorIs(t, err, errUserStoreDown)

	store.failing.Store(false)
	joined, err := f.svc.JoinGroup(ctx, bob, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, joined.Users)

	ids, err := f.users.ListGroups(ctx, bob.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{group.ID}, ids)
}

func TestCreateGroup_UserSaveFailsAfterGroupCreated(t *testing.T) {
	store := newKindFailingStore(repositories.UserKind)
	f := newFixtureWithStore(t, store)
	ctx := context.Background()

	store.failing.Store(true)
	_, err := f.svc.CreateGroup(ctx, alice, "Team")
	require.ErrorIs(t, err, errUserStoreDown)

	// 群组已经存在并把 alice 当作成员, 但 alice 的用户实体不知道
	snap, err := f.svc.GetGroup(ctx, "group-1")
	require.NoError(t, err)
	assert.Equal(t, "Team", snap.Name)
	assert.Equal(t, []string{"alice"}, snap.Users)
	ids, err := f.users.ListGroups(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// 名字已被占用, 重新创建会冲突
	store.failing.Store(false)
	_, err = f.svc.CreateGroup(ctx, alice, "Team")
	assert.ErrorIs(t, err, ErrNameConflict)

	// 重试加入补齐用户实体
	joined, err := f.svc.JoinGroup(ctx, alice, "group-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, joined.Users)
	ids, err = f.users.ListGroups(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"group-1"}, ids)

	state, err := f.svc.InitialState(ctx, alice)
	require.NoError(t, err)
	require.Len(t, state.UserGroups, 1)
	assert.Empty(t, state.OtherGroups)
}
