package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/models"
	"github.com/Gopher0727/GroupChat/internal/notify"
	"github.com/Gopher0727/GroupChat/internal/repositories"
	"github.com/Gopher0727/GroupChat/internal/services"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

type sent struct {
	audience notify.Audience
	event    string
	payload  any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *fakeNotifier) Dispatch(_ context.Context, a notify.Audience, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{audience: a, event: event, payload: payload})
	return nil
}

// drain 返回并清空已记录的事件
func (n *fakeNotifier) drain() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.sent
	n.sent = nil
	return out
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error)       { return false, nil }
func (denyLimiter) AllowN(context.Context, string, int) (bool, error) { return false, nil }

func newTestHub(t *testing.T, limiter ratelimit.Limiter) (*ChatHub, *fakeNotifier) {
	t.Helper()
	cfg := config.Default()
	store := actor.NewMemoryStore()
	opts := actor.Options{Partitions: 2, Replicas: 8, MailboxSize: 8}

	groups := repositories.NewGroupRepository(store, opts, &cfg.Group, logger.NewNop())
	users := repositories.NewUserRepository(store, opts, logger.NewNop())
	t.Cleanup(func() {
		groups.Host().Stop()
		users.Host().Stop()
	})
	dir := repositories.NewDirectory(groups, 10, 4, logger.NewNop())
	chat := services.NewChatService(groups, users, dir, nil, &cfg.Group, logger.NewNop())

	n := &fakeNotifier{}
	return NewChatHub(chat, n, limiter, &cfg.Group, logger.NewNop()), n
}

var (
	aliceConn = ws.Session{ConnectionID: "c-alice", UserID: "alice", Email: "alice@example.com"}
	bobConn   = ws.Session{ConnectionID: "c-bob", UserID: "bob", Email: "bob@example.com"}
	carolConn = ws.Session{ConnectionID: "c-carol", UserID: "carol", Email: "carol@example.com"}
)

func frame(t *testing.T, method string, p RequestPayload) []byte {
	t.Helper()
	data, err := json.Marshal(Request{Method: method, Payload: p})
	require.NoError(t, err)
	return data
}

func createGroup(t *testing.T, h *ChatHub, n *fakeNotifier, s ws.Session, name string) models.Group {
	t.Helper()
	h.HandleFrame(context.Background(), s, frame(t, MethodNewGroup, RequestPayload{NewGroupName: name}))
	out := n.drain()
	require.NotEmpty(t, out)
	res, ok := out[0].payload.(GroupResult)
	require.True(t, ok)
	require.True(t, res.Success, res.ErrorMessage)
	return *res.Group
}

func TestChatHub_NewGroup(t *testing.T) {
	h, n := newTestHub(t, nil)

	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodNewGroup, RequestPayload{NewGroupName: "gophers", Counter: 7}))
	out := n.drain()
	require.Len(t, out, 2)

	assert.Equal(t, notify.EventNewGroupResult, out[0].event)
	assert.Equal(t, notify.Connection("c-alice"), out[0].audience)
	res := out[0].payload.(GroupResult)
	assert.True(t, res.Success)
	assert.Equal(t, 7, res.Counter)
	assert.Equal(t, "gophers", res.Group.Name)
	assert.Equal(t, []string{"alice"}, res.Group.Users)

	assert.Equal(t, notify.EventNewGroup, out[1].event)
	assert.Equal(t, notify.Everyone(), out[1].audience)
	assert.Equal(t, res.Group.ID, out[1].payload.(NewGroupAnnouncement).Group.ID)
}

func TestChatHub_NewGroupNameConflict(t *testing.T) {
	h, n := newTestHub(t, nil)
	createGroup(t, h, n, aliceConn, "gophers")

	h.HandleFrame(context.Background(), bobConn, frame(t, MethodNewGroup, RequestPayload{NewGroupName: "gophers", Counter: 3}))
	out := n.drain()
	require.Len(t, out, 1, "failures are never broadcast")
	assert.Equal(t, notify.EventNewGroupResult, out[0].event)
	assert.Equal(t, notify.Connection("c-bob"), out[0].audience)
	res := out[0].payload.(GroupResult)
	assert.False(t, res.Success)
	assert.Nil(t, res.Group)
	assert.Equal(t, 3, res.Counter)
	assert.Equal(t, "Failed to create group. Group name 'gophers' already exists!", res.ErrorMessage)
}

func TestChatHub_NewGroupValidation(t *testing.T) {
	h, n := newTestHub(t, nil)

	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodNewGroup, RequestPayload{NewGroupName: "   "}))
	out := n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, "A group name is required!", out[0].payload.(GroupResult).ErrorMessage)
}

func TestChatHub_JoinAndCapacity(t *testing.T) {
	h, n := newTestHub(t, nil)
	g := createGroup(t, h, n, aliceConn, "gophers")

	h.HandleFrame(context.Background(), bobConn, frame(t, MethodJoinGroup, RequestPayload{GroupID: g.ID, Counter: 2}))
	out := n.drain()
	require.Len(t, out, 2)
	assert.Equal(t, notify.EventJoinResult, out[0].event)
	assert.Equal(t, notify.Connection("c-bob"), out[0].audience)
	res := out[0].payload.(GroupResult)
	assert.True(t, res.Success)
	assert.True(t, res.Group.IsFull)
	assert.Equal(t, 2, res.Counter)

	assert.Equal(t, notify.EventNewMember, out[1].event)
	assert.Equal(t, notify.Users("alice", "bob"), out[1].audience)
	change := out[1].payload.(MemberChange)
	assert.Equal(t, "bob", change.UserID)
	assert.Equal(t, g.ID, change.GroupID)

	h.HandleFrame(context.Background(), carolConn, frame(t, MethodJoinGroup, RequestPayload{GroupID: g.ID}))
	out = n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.Connection("c-carol"), out[0].audience)
	assert.Equal(t, "Group is full, can't join!", out[0].payload.(GroupResult).ErrorMessage)
}

func TestChatHub_JoinUnknownGroup(t *testing.T) {
	h, n := newTestHub(t, nil)

	h.HandleFrame(context.Background(), bobConn, frame(t, MethodJoinGroup, RequestPayload{GroupID: "missing"}))
	out := n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.EventJoinResult, out[0].event)
	assert.Equal(t, "Group not found!", out[0].payload.(GroupResult).ErrorMessage)
}

func TestChatHub_Leave(t *testing.T) {
	h, n := newTestHub(t, nil)
	g := createGroup(t, h, n, aliceConn, "gophers")
	h.HandleFrame(context.Background(), bobConn, frame(t, MethodJoinGroup, RequestPayload{GroupID: g.ID}))
	n.drain()

	h.HandleFrame(context.Background(), bobConn, frame(t, MethodLeaveGroup, RequestPayload{GroupID: g.ID}))
	out := n.drain()
	require.Len(t, out, 2)
	assert.Equal(t, notify.EventLeaveSuccess, out[0].event)
	assert.Equal(t, notify.Connection("c-bob"), out[0].audience)
	assert.Equal(t, g.ID, out[0].payload)

	assert.Equal(t, notify.EventMemberLeft, out[1].event)
	assert.Equal(t, notify.Users("alice"), out[1].audience)
	assert.Equal(t, "bob", out[1].payload.(MemberChange).UserID)

	// 最后一个成员离开后没有剩余接收方
	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodLeaveGroup, RequestPayload{GroupID: g.ID}))
	out = n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.EventLeaveSuccess, out[0].event)
}

func TestChatHub_NewMessage(t *testing.T) {
	h, n := newTestHub(t, nil)
	g := createGroup(t, h, n, aliceConn, "gophers")
	h.HandleFrame(context.Background(), bobConn, frame(t, MethodJoinGroup, RequestPayload{GroupID: g.ID}))
	n.drain()

	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodNewMessage, RequestPayload{GroupID: g.ID, NewMessage: "hello"}))
	out := n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.EventNewMessage, out[0].event)
	assert.Equal(t, notify.Users("alice", "bob"), out[0].audience)

	msg := out[0].payload.(NewMessageAnnouncement)
	assert.Equal(t, g.ID, msg.GroupID)
	require.Len(t, msg.Messages, 2, "welcome message plus the new one")
	last := msg.Messages[len(msg.Messages)-1]
	assert.Equal(t, "hello", last.Content)
	assert.Equal(t, "alice", last.UserID)
	assert.Equal(t, "alice@example.com", last.Email)
}

func TestChatHub_NewMessageRejected(t *testing.T) {
	h, n := newTestHub(t, nil)
	g := createGroup(t, h, n, aliceConn, "gophers")

	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodNewMessage, RequestPayload{GroupID: g.ID, Counter: 9}))
	out := n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.EventError, out[0].event)
	assert.Equal(t, notify.Connection("c-alice"), out[0].audience)
	res := out[0].payload.(ErrorResult)
	assert.Equal(t, MethodNewMessage, res.Method)
	assert.Equal(t, "Message can't be empty!", res.ErrorMessage)
	assert.Equal(t, 9, res.Counter)
}

func TestChatHub_InitializeState(t *testing.T) {
	h, n := newTestHub(t, nil)
	mine := createGroup(t, h, n, aliceConn, "mine")
	other := createGroup(t, h, n, bobConn, "other")

	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodInitializeState, RequestPayload{Counter: 1}))
	out := n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.EventInitialState, out[0].event)
	assert.Equal(t, notify.Connection("c-alice"), out[0].audience)

	res := out[0].payload.(InitialStateResult)
	assert.Equal(t, 1, res.Counter)
	require.Len(t, res.UserGroups, 1)
	assert.Equal(t, mine.ID, res.UserGroups[0].ID)
	assert.Equal(t, []models.GroupSummary{{ID: other.ID, Name: "other"}}, res.OtherGroups)
}

func TestChatHub_BadFrames(t *testing.T) {
	h, n := newTestHub(t, nil)

	h.HandleFrame(context.Background(), aliceConn, []byte("{not json"))
	out := n.drain()
	require.Len(t, out, 1)
	assert.Equal(t, notify.EventError, out[0].event)

	h.HandleFrame(context.Background(), aliceConn, frame(t, "Dance", RequestPayload{Counter: 4}))
	out = n.drain()
	require.Len(t, out, 1)
	res := out[0].payload.(ErrorResult)
	assert.Equal(t, "Dance", res.Method)
	assert.Equal(t, 4, res.Counter)
}

func TestChatHub_RateLimited(t *testing.T) {
	h, n := newTestHub(t, denyLimiter{})

	h.HandleFrame(context.Background(), aliceConn, frame(t, MethodNewGroup, RequestPayload{NewGroupName: "gophers"}))
	out := n.drain()
	require.Len(t, out, 1)
	res := out[0].payload.(GroupResult)
	assert.False(t, res.Success)
	assert.Equal(t, "Too many requests, slow down!", res.ErrorMessage)
}

func TestChatHub_CounterAsString(t *testing.T) {
	h, n := newTestHub(t, nil)

	h.HandleFrame(context.Background(), aliceConn,
		[]byte(`{"method":"NewGroup","payload":{"newGroupName":"strings","counter":"3"}}`))
	out := n.drain()
	require.NotEmpty(t, out)
	res := out[0].payload.(GroupResult)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, 3, res.Counter)
}

func TestCounter_UnmarshalJSON(t *testing.T) {
	cases := map[string]Counter{
		`7`:      7,
		`"12"`:   12,
		`2.0`:    2,
		`null`:   0,
		`"soon"`: 0,
		`true`:   0,
	}
	for raw, want := range cases {
		var p RequestPayload
		require.NoError(t, json.Unmarshal([]byte(`{"counter":`+raw+`}`), &p), raw)
		assert.Equal(t, want, p.Counter, raw)
	}
}
