// Package stream 实现观众下行流：WebSocket 连接管理、连接时快照回填、
// 实时事件转发与连接轮转。
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/onairchat/onair/distributor"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/repo"
)

const (
	// defaultMaxConnectionAge 连接最大存活时间。到期后发 reconnect 帧
	// 让客户端重连，避免长连接在单个实例上无限聚集。
	defaultMaxConnectionAge = 10 * time.Minute
	// defaultPingInterval 空闲保活间隔
	defaultPingInterval = 20 * time.Second
	// defaultPongTimeout 读超时，两个保活周期内无响应视为断开
	defaultPongTimeout = 60 * time.Second
	// defaultMaxMessageSize 上行帧大小上限
	defaultMaxMessageSize = 4096
)

// Config 流管理器配置
type Config struct {
	// MaxConnectionAge 连接最大存活时间，唯一的轮转旋钮
	MaxConnectionAge time.Duration
	// PingInterval 空闲保活间隔
	PingInterval time.Duration
	// PongTimeout 读超时
	PongTimeout time.Duration
	// MaxMessageSize 上行帧大小上限
	MaxMessageSize int64
}

func (c *Config) withDefaults() Config {
	out := Config{
		MaxConnectionAge: defaultMaxConnectionAge,
		PingInterval:     defaultPingInterval,
		PongTimeout:      defaultPongTimeout,
		MaxMessageSize:   defaultMaxMessageSize,
	}
	if c == nil {
		return out
	}
	if c.MaxConnectionAge > 0 {
		out.MaxConnectionAge = c.MaxConnectionAge
	}
	if c.PingInterval > 0 {
		out.PingInterval = c.PingInterval
	}
	if c.PongTimeout > 0 {
		out.PongTimeout = c.PongTimeout
	}
	if c.MaxMessageSize > 0 {
		out.MaxMessageSize = c.MaxMessageSize
	}
	return out
}

// sink 一个可投递帧的连接。Conn 实现该接口，测试用假实现替换。
type sink interface {
	Send(frame *Frame) error
	Nick() string
	Done() <-chan struct{}
	Close() error
}

// ManagerOption 配置 Manager 的选项
type ManagerOption func(*Manager)

// WithManagerLogger 设置日志记录器
func WithManagerLogger(logger clog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.WithNamespace("stream")
		}
	}
}

// Manager 观众流管理器
type Manager struct {
	dist     distributor.Distributor
	messages repo.MessageRepo
	sessions repo.SessionRepo
	settings repo.SettingsRepo
	cfg      Config
	logger   clog.Logger

	mu    sync.Mutex
	conns map[sink]struct{}
}

// NewManager 创建流管理器
func NewManager(
	dist distributor.Distributor,
	messages repo.MessageRepo,
	sessions repo.SessionRepo,
	settings repo.SettingsRepo,
	cfg *Config,
	opts ...ManagerOption,
) (*Manager, error) {
	if dist == nil || messages == nil || sessions == nil || settings == nil {
		return nil, fmt.Errorf("distributor and repos cannot be nil")
	}

	m := &Manager{
		dist:     dist,
		messages: messages,
		sessions: sessions,
		settings: settings,
		cfg:      cfg.withDefaults(),
		logger:   clog.Discard(),
		conns:    make(map[sink]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config 返回生效的配置
func (m *Manager) Config() Config {
	return m.cfg
}

// ConnCount 当前活跃连接数
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Attach 接管一个已升级的连接：注册会话、回填快照、转发实时事件，
// 直到连接断开、上下文取消或连接到龄。阻塞调用，conn 的读写协程
// 必须已经由调用方 Run 起来。
func (m *Manager) Attach(ctx context.Context, conn *Conn, tenantID, token, remoteIP string) error {
	return m.attach(ctx, conn, tenantID, token, remoteIP)
}

func (m *Manager) attach(ctx context.Context, conn sink, tenantID, token, remoteIP string) error {
	nick := conn.Nick()

	settings, err := m.settings.Get(ctx, tenantID)
	if err != nil {
		m.logger.WarnContext(ctx, "读取租户配置失败，使用默认值",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
		settings = model.DefaultTenantSettings(tenantID)
	}

	// 先订阅后回填：回填与订阅之间发布的事件会同时出现在历史和实时流里，
	// 客户端按 msg_id 去重；反过来做则会丢消息。
	kinds := subscribedKinds(settings.Mode)
	sub, err := m.dist.Subscribe(ctx, tenantID, kinds...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	if err := m.register(ctx, conn, tenantID, token, remoteIP); err != nil {
		return err
	}
	defer m.unregister(tenantID, nick, token, conn)

	if err := m.sendSnapshot(ctx, conn, tenantID, settings); err != nil {
		return err
	}

	// 会话 TTL 远小于连接最大存活时间，连接存续期间由网关代为心跳
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go m.heartbeatLoop(hbCtx, tenantID, nick, token)

	return m.relay(ctx, conn, sub)
}

func (m *Manager) heartbeatLoop(ctx context.Context, tenantID, nick, token string) {
	interval := m.sessions.TTL() / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.sessions.Heartbeat(ctx, tenantID, nick, token); err != nil {
				m.logger.Warn("会话心跳失败",
					clog.String("tenant_id", tenantID),
					clog.String("nick", nick),
					clog.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func subscribedKinds(mode model.ChatMode) []keyspace.ChannelKind {
	kinds := []keyspace.ChannelKind{keyspace.ChannelPresence}
	if mode.IncludesPublic() {
		kinds = append(kinds, keyspace.ChannelPublic)
	}
	if mode.IncludesPrivate() {
		kinds = append(kinds, keyspace.ChannelPrivate)
	}
	return kinds
}

func (m *Manager) register(ctx context.Context, conn sink, tenantID, token, remoteIP string) error {
	if err := m.sessions.Register(ctx, &model.Session{
		TenantID: tenantID,
		Nick:     conn.Nick(),
		Token:    token,
		RemoteIP: remoteIP,
	}); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()

	m.PublishPresence(ctx, tenantID)

	m.logger.InfoContext(ctx, "观众接入",
		clog.String("tenant_id", tenantID),
		clog.String("nick", conn.Nick()),
		clog.Int("conns", m.ConnCount()))
	return nil
}

func (m *Manager) unregister(tenantID, nick, token string, conn sink) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()

	// 连接的 ctx 可能已取消，注销用独立的短超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.sessions.Unregister(ctx, tenantID, nick, token); err != nil {
		m.logger.Warn("注销会话失败",
			clog.String("tenant_id", tenantID),
			clog.String("nick", nick),
			clog.Error(err))
	}
	m.PublishPresence(ctx, tenantID)

	m.logger.Info("观众离开",
		clog.String("tenant_id", tenantID),
		clog.String("nick", nick))
}

// sendSnapshot 按固定顺序回填：config → users → history。
// 客户端拿到 config 才知道该渲染哪些面板。
func (m *Manager) sendSnapshot(ctx context.Context, conn sink, tenantID string, settings *model.TenantSettings) error {
	configFrame, err := NewFrame(FrameConfig, &ConfigPayload{
		Mode:         settings.Mode,
		HistoryLimit: settings.GetHistoryLimit(),
	})
	if err != nil {
		return err
	}
	if err := conn.Send(configFrame); err != nil {
		return err
	}

	users, err := m.usersPayload(ctx, tenantID)
	if err != nil {
		m.logger.WarnContext(ctx, "读取在线列表失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
	} else {
		frame, err := NewFrame(FrameUsers, users)
		if err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			return err
		}
	}

	if settings.Mode.IncludesPublic() {
		limit := settings.GetHistoryLimit()
		messages, err := m.messages.RecentHistory(ctx, tenantID, limit, 0)
		if err != nil {
			m.logger.ErrorContext(ctx, "历史回填失败",
				clog.String("tenant_id", tenantID),
				clog.Error(err))
			messages = nil
		}
		frame, err := NewFrame(FrameHistory, &HistoryPayload{
			Messages: messages,
			HasMore:  len(messages) == limit,
		})
		if err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			return err
		}
	}

	return nil
}

// relay 转发实时事件直到连接结束。到龄时发 reconnect 帧后正常收尾，
// 订阅在返回时立即关闭，不留僵尸订阅。
func (m *Manager) relay(ctx context.Context, conn sink, sub distributor.Subscription) error {
	age := time.NewTimer(m.cfg.MaxConnectionAge)
	defer age.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			if err := m.forward(conn, ev); err != nil {
				return err
			}

		case <-age.C:
			frame, _ := NewFrame(FrameReconnect, &ReconnectPayload{Reason: "connection rotated"})
			_ = conn.Send(frame)
			m.logger.Debug("连接到龄，要求重连",
				clog.String("nick", conn.Nick()))
			return nil

		case <-conn.Done():
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forward 把频道事件转换为下行帧。公开/在线频道上的负载本身就是完整帧，
// 原样转发；私信频道是信封，只投给收发双方。
func (m *Manager) forward(conn sink, ev distributor.Event) error {
	switch ev.Kind {
	case keyspace.ChannelPublic, keyspace.ChannelPresence:
		var frame Frame
		if err := json.Unmarshal(ev.Payload, &frame); err != nil {
			m.logger.Warn("丢弃格式非法的事件",
				clog.String("kind", string(ev.Kind)),
				clog.Error(err))
			return nil
		}
		return conn.Send(&frame)

	case keyspace.ChannelPrivate:
		var env PrivateEnvelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			m.logger.Warn("丢弃格式非法的私信信封", clog.Error(err))
			return nil
		}
		if env.Recipient != conn.Nick() && env.Sender != conn.Nick() {
			return nil
		}
		var frame Frame
		if err := json.Unmarshal(env.Frame, &frame); err != nil {
			m.logger.Warn("丢弃格式非法的私信帧", clog.Error(err))
			return nil
		}
		return conn.Send(&frame)
	}
	return nil
}

// PublishPresence 重新计算在线列表并广播 users 帧
func (m *Manager) PublishPresence(ctx context.Context, tenantID string) {
	users, err := m.usersPayload(ctx, tenantID)
	if err != nil {
		m.logger.WarnContext(ctx, "计算在线列表失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
		return
	}

	frame, err := NewFrame(FrameUsers, users)
	if err != nil {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := m.dist.Publish(ctx, tenantID, keyspace.ChannelPresence, payload); err != nil {
		m.logger.WarnContext(ctx, "广播在线列表失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
	}
}

// usersPayload 会话去重出昵称列表。同一昵称多个标签页只算一个人。
func (m *Manager) usersPayload(ctx context.Context, tenantID string) (*UsersPayload, error) {
	sessions, err := m.sessions.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(sessions))
	nicks := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		if _, dup := seen[sess.Nick]; dup {
			continue
		}
		seen[sess.Nick] = struct{}{}
		nicks = append(nicks, sess.Nick)
	}
	sort.Strings(nicks)

	return &UsersPayload{Count: len(nicks), Nicks: nicks}, nil
}

// Drain 向所有活跃连接广播 reconnect 帧并关闭连接，用于优雅下线。
func (m *Manager) Drain() {
	m.mu.Lock()
	conns := make([]sink, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	frame, _ := NewFrame(FrameReconnect, &ReconnectPayload{Reason: "server draining"})
	for _, conn := range conns {
		_ = conn.Send(frame)
		_ = conn.Close()
	}

	m.logger.Info("已驱逐全部连接", clog.Int("count", len(conns)))
}
