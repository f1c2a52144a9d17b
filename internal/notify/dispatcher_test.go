package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/utils"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

type push struct {
	kind   string
	target string
	frame  Frame
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
	failOn string
}

func (p *fakePusher) record(kind, target string, frame []byte) error {
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{kind: kind, target: target, frame: f})
	if target == p.failOn {
		return errors.New("connection gone")
	}
	return nil
}

func (p *fakePusher) PushToConnection(_ context.Context, id string, frame []byte) error {
	return p.record("conn", id, frame)
}

func (p *fakePusher) PushToUser(_ context.Context, id string, frame []byte) error {
	return p.record("user", id, frame)
}

func (p *fakePusher) PushToAll(_ context.Context, frame []byte) error {
	return p.record("all", "", frame)
}

func (p *fakePusher) targets(kind string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, x := range p.pushes {
		if x.kind == kind {
			out = append(out, x.target)
		}
	}
	return out
}

func newTestDispatcher(p Pusher) (*Dispatcher, *utils.WorkerPool) {
	pool := utils.NewWorkerPool(4, 16, zap.NewNop())
	pool.Start()
	return NewDispatcher(p, pool, logger.NewNop()), pool
}

func TestAudience(t *testing.T) {
	a := Users("bob", "alice", "", "bob")
	assert.Equal(t, ByUsers, a.Kind)
	assert.Equal(t, []string{"alice", "bob"}, a.UserIDs)
	assert.False(t, a.Empty())

	assert.True(t, Users().Empty())
	assert.True(t, Connection("").Empty())
	assert.False(t, Everyone().Empty())
	assert.Equal(t, "broadcast", Everyone().Kind.String())
}

func TestDispatcher_RoutesByAudience(t *testing.T) {
	p := &fakePusher{}
	d, pool := newTestDispatcher(p)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, Connection("c1"), EventJoinResult, map[string]bool{"success": true}))
	require.NoError(t, d.Dispatch(ctx, Users("u1", "u2"), EventNewMember, map[string]string{"userId": "u2"}))
	require.NoError(t, d.Dispatch(ctx, Everyone(), EventNewGroup, nil))
	pool.Stop()

	assert.Equal(t, []string{"c1"}, p.targets("conn"))
	assert.ElementsMatch(t, []string{"u1", "u2"}, p.targets("user"))
	assert.Len(t, p.targets("all"), 1)

	for _, x := range p.pushes {
		switch x.kind {
		case "conn":
			assert.Equal(t, EventJoinResult, x.frame.Type)
		case "user":
			assert.Equal(t, EventNewMember, x.frame.Type)
		case "all":
			assert.Equal(t, EventNewGroup, x.frame.Type)
		}
	}
}

func TestDispatcher_PreservesOrderPerDestination(t *testing.T) {
	p := &fakePusher{}
	d, pool := newTestDispatcher(p)
	ctx := context.Background()

	for i := range 50 {
		require.NoError(t, d.Dispatch(ctx, Users("u1", "u2", "u3"), EventNewMessage, i))
	}
	pool.Stop()

	seen := map[string][]float64{}
	for _, x := range p.pushes {
		seen[x.target] = append(seen[x.target], x.frame.Payload.(float64))
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		require.Len(t, seen[u], 50, u)
		for i, v := range seen[u] {
			assert.Equal(t, float64(i), v, "user %s", u)
		}
	}
}

func TestDispatcher_FailureIsNotRetried(t *testing.T) {
	p := &fakePusher{failOn: "u2"}
	d, pool := newTestDispatcher(p)

	require.NoError(t, d.Dispatch(context.Background(), Users("u1", "u2"), EventMemberLeft, "x"))
	pool.Stop()

	assert.ElementsMatch(t, []string{"u1", "u2"}, p.targets("user"))
}

func TestDispatcher_Errors(t *testing.T) {
	p := &fakePusher{}
	d, pool := newTestDispatcher(p)

	err := d.Dispatch(context.Background(), Connection("c1"), EventJoinResult, make(chan int))
	assert.Error(t, err)

	assert.NoError(t, d.Dispatch(context.Background(), Connection(""), EventJoinResult, nil))
	assert.Error(t, d.Dispatch(context.Background(), Audience{Kind: AudienceKind(9)}, "x", nil))

	pool.Stop()
	err = d.Dispatch(context.Background(), Connection("c1"), EventJoinResult, nil)
	assert.ErrorIs(t, err, utils.ErrPoolStopped)
	assert.Empty(t, p.targets("conn"), fmt.Sprint(p.pushes))
}
