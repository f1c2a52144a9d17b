package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/utils"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

// Pusher 推送通道
type Pusher interface {
	PushToConnection(ctx context.Context, connectionID string, frame []byte) error
	PushToUser(ctx context.Context, userID string, frame []byte) error
	PushToAll(ctx context.Context, frame []byte) error
}

// Dispatcher 把事件投递给接收方
// 每个接收方一个投递任务, 同一接收方的任务在同一条通道上按提交顺序执行;
// 投递失败只记录日志, 不重试
type Dispatcher struct {
	pusher Pusher
	pool   *utils.WorkerPool
	logger *logger.Logger
}

func NewDispatcher(pusher Pusher, pool *utils.WorkerPool, log *logger.Logger) *Dispatcher {
	return &Dispatcher{pusher: pusher, pool: pool, logger: log.Named("dispatcher")}
}

// Dispatch 编码一次后按接收方拆分投递, 不等待投递完成
func (d *Dispatcher) Dispatch(ctx context.Context, audience Audience, event string, payload any) error {
	frame, err := json.Marshal(Frame{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	// 投递在请求结束后进行, 只保留 trace id 等值
	ctx = context.WithoutCancel(ctx)

	switch audience.Kind {
	case ByConnection:
		if audience.ConnectionID == "" {
			return nil
		}
		return d.submit(ctx, "conn:"+audience.ConnectionID, event, func() error {
			return d.pusher.PushToConnection(ctx, audience.ConnectionID, frame)
		})
	case ByUsers:
		for _, userID := range audience.UserIDs {
			if err := d.submit(ctx, "user:"+userID, event, func() error {
				return d.pusher.PushToUser(ctx, userID, frame)
			}); err != nil {
				return err
			}
		}
		return nil
	case Broadcast:
		return d.submit(ctx, "all", event, func() error {
			return d.pusher.PushToAll(ctx, frame)
		})
	default:
		return fmt.Errorf("unknown audience kind %d", audience.Kind)
	}
}

func (d *Dispatcher) submit(ctx context.Context, destination, event string, push func() error) error {
	return d.pool.Submit(destination, func() {
		if err := push(); err != nil {
			d.logger.WarnContext(ctx, "push failed",
				zap.String("event", event),
				zap.String("destination", destination),
				zap.Error(err),
			)
		}
	})
}
