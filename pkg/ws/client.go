package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/middlewares"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

const writeWait = 10 * time.Second // 允许写入消息到对端的最大时间

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session 一个连接上认证过的调用者
type Session struct {
	ConnectionID string
	UserID       string
	Email        string
}

// FrameHandler 处理客户端发来的一帧; 同一连接上的帧按到达顺序逐个处理
type FrameHandler interface {
	HandleFrame(ctx context.Context, s Session, data []byte)
}

// Client 代表一个 WebSocket 连接
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte // 缓冲通道, 由 Hub 写入
	id      string
	userID  string
	email   string
	handler FrameHandler
	cfg     *config.WebsocketConfig
	logger  *logger.Logger
}

func (c *Client) session() Session {
	return Session{ConnectionID: c.id, UserID: c.userID, Email: c.email}
}

func (c *Client) pongWait() time.Duration {
	return time.Duration(c.cfg.HeartbeatSeconds) * time.Second * 10 / 9
}

// readPump 读取客户端请求并交给 handler
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		ctx := logger.WithTraceID(context.Background(), "")
		c.handler.HandleFrame(ctx, c.session(), message)
	}
}

// writePump 把 Hub 写入的帧发送到连接, 并定期发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(time.Duration(c.cfg.HeartbeatSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs 升级连接并注册到 Hub, 身份来自认证中间件
func ServeWs(hub *Hub, handler FrameHandler, ids *snowflake.Generator, cfg *config.WebsocketConfig, c *gin.Context) {
	userID := c.GetString(middlewares.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未授权"})
		return
	}

	connID, err := ids.NextString()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成连接标识失败"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		id:      connID,
		userID:  userID,
		email:   c.GetString(middlewares.ContextUserEmail),
		handler: handler,
		cfg:     cfg,
		logger:  hub.logger,
	}
	if err := hub.Register(client); err != nil {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
