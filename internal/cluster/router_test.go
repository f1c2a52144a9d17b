package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/cluster"
	"github.com/Gopher0727/GroupChat/internal/cluster/clustertest"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

type echoArgs struct {
	Text string `json:"text"`
}

func newPair(t *testing.T) (a, b *cluster.Router) {
	t.Helper()
	nodes := []string{"node-a", "node-b"}
	a = cluster.NewRouter("node-a", nodes, 64, logger.NewNop())
	b = cluster.NewRouter("node-b", nodes, 64, logger.NewNop())
	for _, r := range []*cluster.Router{a, b} {
		cluster.Register(r, "echo", func(_ context.Context, args echoArgs) (any, error) {
			return r.Self() + ":" + args.Text, nil
		})
		cluster.Register(r, "missing", func(context.Context, echoArgs) (any, error) {
			return nil, fmt.Errorf("load: %w", actor.ErrNotFound)
		})
		cluster.Register(r, "broken", func(context.Context, echoArgs) (any, error) {
			return nil, errors.New("disk on fire")
		})
	}
	return a, b
}

func TestRouter_OwnerAgreesAcrossNodes(t *testing.T) {
	a, b := newPair(t)

	owned := map[string]int{}
	for i := range 200 {
		key := fmt.Sprintf("group-%d", i)
		require.Equal(t, a.Owner(key), b.Owner(key))
		assert.NotEqual(t, a.Owns(key), b.Owns(key))
		owned[a.Owner(key)]++
	}
	// 两个节点都分到了 key
	assert.Len(t, owned, 2)
	assert.Equal(t, []string{"node-a", "node-b"}, a.Nodes())
}

func TestRouter_SingleNodeOwnsEverything(t *testing.T) {
	r := cluster.NewRouter("solo", nil, 16, logger.NewNop())
	assert.True(t, r.Owns("anything"))
	assert.Equal(t, []string{"solo"}, r.Nodes())
}

func TestRouter_CallOverGRPC(t *testing.T) {
	a, b := newPair(t)
	clustertest.Connect(t, a, b)
	ctx := context.Background()

	var reply string
	require.NoError(t, a.Call(ctx, "node-b", "echo", echoArgs{Text: "hi"}, &reply))
	assert.Equal(t, "node-b:hi", reply)

	require.NoError(t, b.Call(ctx, "node-a", "echo", echoArgs{Text: "yo"}, &reply))
	assert.Equal(t, "node-a:yo", reply)
}

func TestRouter_ErrorMapping(t *testing.T) {
	a, b := newPair(t)
	clustertest.Connect(t, a, b)
	ctx := context.Background()

	err := a.Call(ctx, "node-b", "missing", echoArgs{}, nil)
	assert.ErrorIs(t, err, actor.ErrNotFound)

	err = a.Call(ctx, "node-b", "broken", echoArgs{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.NotErrorIs(t, err, actor.ErrNotFound)

	err = a.Call(ctx, "node-b", "nope", echoArgs{}, nil)
	assert.ErrorIs(t, err, cluster.ErrUnknownMethod)

	err = a.Call(ctx, "node-c", "echo", echoArgs{}, nil)
	assert.ErrorIs(t, err, cluster.ErrUnknownNode)
}

func TestRouter_CancelledCall(t *testing.T) {
	a, b := newPair(t)
	clustertest.Connect(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Call(ctx, "node-b", "echo", echoArgs{Text: "late"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouter_StoppedPeer(t *testing.T) {
	a, b := newPair(t)
	stop := clustertest.Connect(t, a, b)
	stop("node-b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := a.Call(ctx, "node-b", "echo", echoArgs{Text: "gone"}, nil)
	require.Error(t, err)
}
