// Package clustertest 在进程内把多个 Router 连成集群, 供测试使用
package clustertest

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Gopher0727/GroupChat/internal/cluster"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const bufSize = 1 << 20

// Connect 为每个 Router 启动一个内存 gRPC 服务, 并让它们互相登记连接
// 返回的函数停止指定节点的服务, 模拟节点下线
func Connect(t testing.TB, routers ...*cluster.Router) (stop func(node string)) {
	t.Helper()

	servers := make(map[string]*cluster.Server, len(routers))
	listeners := make(map[string]*bufconn.Listener, len(routers))
	for _, r := range routers {
		lis := bufconn.Listen(bufSize)
		srv := cluster.NewServerWithListener(lis, r, logger.NewNop())
		go func() { _ = srv.Start() }()
		servers[r.Self()] = srv
		listeners[r.Self()] = lis
	}

	// 先登记的清理最后执行: 客户端连接关闭之后再停服务
	stopped := make(map[string]bool)
	stop = func(node string) {
		if srv, ok := servers[node]; ok && !stopped[node] {
			stopped[node] = true
			srv.Stop()
		}
	}
	t.Cleanup(func() {
		for node := range servers {
			stop(node)
		}
	})

	for _, r := range routers {
		for _, peer := range routers {
			if peer.Self() == r.Self() {
				continue
			}
			lis := listeners[peer.Self()]
			conn, err := cluster.Dial("passthrough:///"+peer.Self(),
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
			)
			if err != nil {
				t.Fatalf("dial %s: %v", peer.Self(), err)
			}
			t.Cleanup(func() { _ = conn.Close() })
			r.Connect(peer.Self(), conn)
		}
	}

	return stop
}
