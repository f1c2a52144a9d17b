package cluster

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const traceHeader = "x-trace-id"

// Server 接收其它节点转发来的实体调用
type Server struct {
	server   *grpc.Server
	listener net.Listener
	address  string
	logger   *logger.Logger
}

func NewServer(address string, router *Router, log *logger.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return NewServerWithListener(listener, router, log), nil
}

// NewServerWithListener 使用已有的 listener, 测试里传入内存连接
func NewServerWithListener(listener net.Listener, router *Router, log *logger.Logger) *Server {
	log = log.Named("cluster_server")
	s := grpc.NewServer(
		grpc.UnaryInterceptor(unaryLoggingInterceptor(log)), // 一元 RPC 日志拦截器
	)
	s.RegisterService(&serviceDesc, router)
	return &Server{server: s, listener: listener, address: listener.Addr().String(), logger: log}
}

func unaryLoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(traceHeader); len(ids) > 0 {
				ctx = logger.WithTraceID(ctx, ids[0])
			}
		}

		start := time.Now()
		resp, err = handler(ctx, req)
		code := codes.OK
		if err != nil {
			if st, ok := status.FromError(err); ok {
				code = st.Code()
			}
		}
		log.DebugContext(ctx, "gRPC call",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", code.String()),
		)
		return resp, err
	}
}

// traceInterceptor 把调用方的 trace id 带到归属节点
func traceInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if id := logger.GetTraceID(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, traceHeader, id)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (s *Server) Start() error {
	s.logger.Info("Starting gRPC server", zap.String("address", s.address))
	return s.server.Serve(s.listener)
}

func (s *Server) Stop() {
	s.logger.Info("Stopping gRPC server")
	s.server.GracefulStop()
}

// Dial 建立到其它节点的连接, 连接是惰性的, 第一次调用时才真正拨号
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(traceInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return conn, nil
}
