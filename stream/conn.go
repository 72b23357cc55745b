package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
)

// Conn 表示一个观众的 WebSocket 连接
type Conn struct {
	nick       string
	conn       *websocket.Conn
	send       chan *Frame
	logger     clog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	remoteAddr string

	// 配置
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
}

// NewConn 创建新的连接
func NewConn(
	nick string,
	conn *websocket.Conn,
	logger clog.Logger,
	maxMessageSize int64,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		nick:           nick,
		conn:           conn,
		send:           make(chan *Frame, 64),
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		remoteAddr:     conn.RemoteAddr().String(),
		maxMessageSize: maxMessageSize,
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
		writeTimeout:   10 * time.Second,
	}
}

// Nick 返回连接绑定的昵称
func (c *Conn) Nick() string {
	return c.nick
}

// RemoteAddr 返回对端地址
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Done 连接关闭信号
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Send 投递一帧。缓冲满说明消费者跟不上，直接报错让上层断开连接，
// 比无限堆积帧更早暴露问题。
func (c *Conn) Send(frame *Frame) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close 关闭连接，幂等。send 通道从不关闭：关闭只通过 ctx 广播，
// 与并发 Send 之间不存在向已关闭通道写入的竞态。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
	return nil
}

// Run 启动连接的读写协程
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 消费客户端上行数据。下行流之外客户端没有业务上行，
// 读协程只负责 pong 续期和发现断开。
func (c *Conn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error",
					clog.String("nick", c.nick),
					clog.Error(err))
			}
			return
		}
		// 任何上行数据都视为活跃
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	}
}

// writePump 向 WebSocket 写入帧。pingInterval 内没有任何下行帧时
// 发送一帧应用层 ping，让中间设备和客户端都知道连接还活着。
func (c *Conn) writePump() {
	idle := time.NewTimer(c.pingInterval)
	defer func() {
		idle.Stop()
		c.Close()
	}()

	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.pingInterval)
	}

	for {
		select {
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("failed to encode frame",
					clog.String("nick", c.nick),
					clog.String("frame_type", string(frame.Type)),
					clog.Error(err))
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("failed to write frame",
					clog.String("nick", c.nick),
					clog.Error(err))
				return
			}
			resetIdle()

		case <-idle.C:
			data, _ := json.Marshal(&Frame{Type: FramePing})
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			idle.Reset(c.pingInterval)

		case <-c.ctx.Done():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
