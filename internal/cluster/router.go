package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Gopher0727/GroupChat/internal/actor"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/utils/consistenthash"
)

var (
	ErrUnknownNode   = errors.New("cluster node not connected")
	ErrUnknownMethod = errors.New("cluster method not registered")
)

// HandlerFunc 在归属节点上执行一次实体调用, 返回值编码为 JSON 回给调用方
type HandlerFunc func(ctx context.Context, body []byte) (any, error)

// Router 决定实体 key 的归属节点
// 每个 key 只在归属节点上激活, 其它节点把调用转发过去, 单写者因此在集群内成立
type Router struct {
	self     string
	ring     *consistenthash.Ring
	nodes    []string
	mu       sync.RWMutex
	peers    map[string]grpc.ClientConnInterface
	handlers map[string]HandlerFunc
	logger   *logger.Logger
}

// NewRouter nodes 是集群全部成员, 缺少 self 时自动补上
func NewRouter(self string, nodes []string, replicas int, log *logger.Logger) *Router {
	all := slices.Clone(nodes)
	if !slices.Contains(all, self) {
		all = append(all, self)
	}
	slices.Sort(all)

	ring := consistenthash.New(replicas, nil)
	ring.Add(all...)
	return &Router{
		self:     self,
		ring:     ring,
		nodes:    all,
		peers:    make(map[string]grpc.ClientConnInterface),
		handlers: make(map[string]HandlerFunc),
		logger:   log.Named("cluster"),
	}
}

func (r *Router) Self() string { return r.self }

// Nodes 按名称排序的全部成员
func (r *Router) Nodes() []string { return slices.Clone(r.nodes) }

func (r *Router) Owner(key string) string { return r.ring.Get(key) }

// Owns 报告 key 是否归本节点
func (r *Router) Owns(key string) bool { return r.Owner(key) == r.self }

// Connect 登记到 node 的连接, 通常是 grpc.ClientConn
func (r *Router) Connect(node string, conn grpc.ClientConnInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[node] = conn
}

func (r *Router) Handle(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Register 以具体的参数类型登记 method
func Register[A any](r *Router, method string, fn func(ctx context.Context, args A) (any, error)) {
	r.Handle(method, func(ctx context.Context, body []byte) (any, error) {
		var args A
		if err := json.Unmarshal(body, &args); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
		}
		return fn(ctx, args)
	})
}

type envelope struct {
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
}

// Call 在 node 上执行 method, reply 为 nil 时忽略返回值
func (r *Router) Call(ctx context.Context, node, method string, args, reply any) error {
	r.mu.RLock()
	conn, ok := r.peers[node]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := json.Marshal(envelope{Method: method, Body: body})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, callMethod, wrapperspb.Bytes(req), out); err != nil {
		return fromStatus(node, method, err)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(out.GetValue(), reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

// serve 是 gRPC 服务端入口, 解出 method 后交给本地登记的处理函数
func (r *Router) serve(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var env envelope
	if err := json.Unmarshal(in.GetValue(), &env); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "%v: %s", ErrUnknownMethod, env.Method)
	}

	result, err := h(ctx, env.Body)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		r.logger.ErrorContext(ctx, "encode reply failed", zap.String("method", env.Method), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return wrapperspb.Bytes(out), nil
}

// toStatus 实体层的哨兵错误映射到 gRPC 状态码, 调用方据此还原
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, actor.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, actor.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, actor.ErrEmptyKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(node, method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("call %s on %s: %w", method, node, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return actor.ErrNotFound
	case codes.InvalidArgument:
		if st.Message() == actor.ErrEmptyKey.Error() {
			return actor.ErrEmptyKey
		}
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Unimplemented:
		return fmt.Errorf("call %s on %s: %w", method, node, ErrUnknownMethod)
	}
	return fmt.Errorf("call %s on %s: %w", method, node, err)
}
