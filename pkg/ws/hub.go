package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const (
	targetConnection = "conn"
	targetUser       = "user"
	targetAll        = "all"
)

var ErrHubClosed = errors.New("hub closed")

// Envelope 节点间转发的一帧及其接收方
type Envelope struct {
	Kind   string          `json:"kind"`
	Target string          `json:"target,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Hub 维护本节点的活跃连接, 按连接 id 和用户 id 两种方式寻址
// 配置了 Redis 时所有推送先发布到频道, 每个节点 (包括自己) 订阅后投递给本地连接
type Hub struct {
	// 连接 id -> 客户端
	clients map[string]*Client
	// 用户 id -> 该用户在本节点的所有连接
	userClients map[string]map[*Client]bool

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Envelope

	redis   *redis.Client
	channel string
	nodeID  string
	logger  *logger.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	// 订阅重试的退避区间
	retryMin time.Duration
	retryMax time.Duration
}

func NewHub(redisClient *redis.Client, channel, nodeID string, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		userClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Envelope, 256),
		redis:       redisClient,
		channel:     channel,
		nodeID:      nodeID,
		logger:      log.Named("hub"),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		retryMin:    100 * time.Millisecond,
		retryMax:    5 * time.Second,
	}
}

// Ready 在 Hub 可以接收推送后关闭; 使用 Redis 时表示订阅已经生效
func (h *Hub) Ready() <-chan struct{} { return h.ready }

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	} else {
		h.readyOnce.Do(func() { close(h.ready) })
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*Client]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("connection_id", client.id),
				zap.String("user_id", client.userID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.route(env)
		}
	}
}

// route 非阻塞地写入目标连接的发送缓冲, 缓冲已满的连接被断开
func (h *Hub) route(env *Envelope) {
	h.mu.RLock()
	var targets []*Client
	switch env.Kind {
	case targetConnection:
		if c, ok := h.clients[env.Target]; ok {
			targets = append(targets, c)
		}
	case targetUser:
		for c := range h.userClients[env.Target] {
			targets = append(targets, c)
		}
	case targetAll:
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	}

	var slow []*Client
	for _, c := range targets {
		select {
		case c.send <- []byte(env.Frame):
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.logger.Warn("send buffer full, dropping client",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.userID),
		)
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if conns := h.userClients[c.userID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userClients, c.userID)
		}
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.removeLocked(c)
	}
}

// subscribeToRedis 订阅失败时按指数退避重试, 直到成功或 ctx 结束
// 第一次订阅成功后 Ready 才会关闭
func (h *Hub) subscribeToRedis(ctx context.Context) {
	backoff := h.retryMin
	for {
		if h.consume(ctx) {
			backoff = h.retryMin
		}
		if ctx.Err() != nil {
			return
		}

		h.logger.Warn("push channel subscription lost, retrying",
			zap.String("channel", h.channel),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, h.retryMax)
	}
}

// consume 订阅并持续转发, 返回订阅是否曾经生效
func (h *Hub) consume(ctx context.Context) bool {
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			h.logger.Error("subscribe push channel failed", zap.String("channel", h.channel), zap.Error(err))
		}
		return false
	}
	h.readyOnce.Do(func() { close(h.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("invalid envelope", zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- &env:
			case <-ctx.Done():
				return true
			}
		}
	}
}

func (h *Hub) publish(ctx context.Context, env *Envelope) error {
	if h.redis != nil {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		return h.redis.Publish(ctx, h.channel, payload).Err()
	}

	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- env:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) PushToConnection(ctx context.Context, connectionID string, frame []byte) error {
	return h.publish(ctx, &Envelope{Kind: targetConnection, Target: connectionID, Frame: frame})
}

func (h *Hub) PushToUser(ctx context.Context, userID string, frame []byte) error {
	return h.publish(ctx, &Envelope{Kind: targetUser, Target: userID, Frame: frame})
}

func (h *Hub) PushToAll(ctx context.Context, frame []byte) error {
	return h.publish(ctx, &Envelope{Kind: targetAll, Frame: frame})
}

// ConnectionCount 本节点的连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register 把新连接加入本节点; Hub 停止后返回 ErrHubClosed
func (h *Hub) Register(c *Client) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
