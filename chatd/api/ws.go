package api

import (
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/onairchat/onair/chatd/middleware"
	"github.com/onairchat/onair/chatd/observability"
	"github.com/onairchat/onair/service"
	"github.com/onairchat/onair/stream"
)

// WebSocket 观众流升级处理器。升级后连接交由 stream.Manager 接管，
// 直到断开、上下文取消或连接到龄。
type WebSocket struct {
	manager  *stream.Manager
	logger   clog.Logger
	upgrader *websocket.Upgrader
}

// NewWebSocket 创建 WebSocket 处理器
func NewWebSocket(manager *stream.Manager, logger clog.Logger, readBufferSize, writeBufferSize int) *WebSocket {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 聊天组件要嵌入任意站点，Origin 不做白名单
			return true
		},
	}

	return &WebSocket{
		manager:  manager,
		logger:   logger.WithNamespace("ws"),
		upgrader: upgrader,
	}
}

// Handle 处理观众流升级请求。
// 参数全部来自 query（tenant 由租户中间件解析）：nick 必填，
// token 可选（缺省时生成新会话令牌）。
func (ws *WebSocket) Handle(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)

	nick := c.Query("nick")
	if !service.ValidNick(nick) {
		ws.logger.Warn("websocket rejected: invalid nick",
			clog.String("tenant_id", tenantID),
			clog.String("remote_addr", c.Request.RemoteAddr))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nick", "category": "invalid"})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = uuid.New().String()
	}

	wsConn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ws.logger.Error("failed to upgrade websocket",
			clog.String("tenant_id", tenantID),
			clog.String("nick", nick),
			clog.Error(err))
		return
	}

	cfg := ws.manager.Config()
	conn := stream.NewConn(nick, wsConn, ws.logger,
		cfg.MaxMessageSize, cfg.PingInterval, cfg.PongTimeout)
	conn.Run()
	defer conn.Close()

	ctx := c.Request.Context()
	observability.RecordStreamConnectionEstablished(ctx)
	observability.SetStreamConnectionsActive(ctx, ws.manager.ConnCount()+1)
	defer func() {
		observability.SetStreamConnectionsActive(ctx, ws.manager.ConnCount())
	}()

	// 阻塞到连接结束；到龄轮转和优雅下线在 Manager 内部处理
	if err := ws.manager.Attach(ctx, conn, tenantID, token, c.ClientIP()); err != nil {
		ws.logger.Warn("stream ended with error",
			clog.String("tenant_id", tenantID),
			clog.String("nick", nick),
			clog.Error(err))
	}
}
