package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/sharedstate"
)

// defaultSessionTTL 会话不活跃过期窗口。心跳和 WebSocket 活动都会刷新；
// 窗口内没有任何动静的会话自动消失，无需显式登出。
const defaultSessionTTL = 90 * time.Second

// SessionRepoOption 配置 SessionRepo 的选项
type SessionRepoOption func(*sessionRepo)

// WithSessionTTL 设置会话过期窗口
func WithSessionTTL(ttl time.Duration) SessionRepoOption {
	return func(r *sessionRepo) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithSessionRepoLogger 设置日志记录器
func WithSessionRepoLogger(logger clog.Logger) SessionRepoOption {
	return func(r *sessionRepo) {
		if logger != nil {
			r.logger = logger.WithNamespace("session_repo")
		}
	}
}

// sessionRepo 实现 SessionRepo 接口，会话只存在于 Redis，不落库。
type sessionRepo struct {
	state  sharedstate.Client
	ttl    time.Duration
	logger clog.Logger
}

// NewSessionRepo 创建 SessionRepo 实例
func NewSessionRepo(state sharedstate.Client, opts ...SessionRepoOption) (SessionRepo, error) {
	if state == nil {
		return nil, fmt.Errorf("shared state client cannot be nil")
	}

	r := &sessionRepo{
		state:  state,
		ttl:    defaultSessionTTL,
		logger: clog.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func sessionKey(ks keyspace.Keyspace, nick, token string) string {
	return ks.Key("sess", nick, token)
}

// globEscaper 转义扫描模式里的通配元字符。昵称语法允许 * ? [ ]，
// 不转义的话 "*" 这样的昵称会匹配到任意会话键。
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// Register 注册会话。同一昵称允许多个并发会话（多标签页），
// token 区分各个会话。
func (r *sessionRepo) Register(ctx context.Context, sess *model.Session) error {
	if sess == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if sess.Nick == "" || sess.Token == "" {
		return fmt.Errorf("nick and token cannot be empty")
	}

	ks, err := keyspace.New(sess.TenantID)
	if err != nil {
		return err
	}

	sess.LastSeen = time.Now().Unix()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.state.SetString(ctx, sessionKey(ks, sess.Nick, sess.Token), string(data), r.ttl); err != nil {
		r.logger.Error("注册会话失败",
			clog.String("tenant_id", sess.TenantID),
			clog.String("nick", sess.Nick),
			clog.Error(err))
		return fmt.Errorf("failed to register session: %w", err)
	}

	r.logger.Debug("会话已注册",
		clog.String("tenant_id", sess.TenantID),
		clog.String("nick", sess.Nick))
	return nil
}

// Heartbeat 刷新会话存活时间。会话已过期时报错，调用方应重新注册。
func (r *sessionRepo) Heartbeat(ctx context.Context, tenantID, nick, token string) error {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return err
	}
	key := sessionKey(ks, nick, token)

	raw, found, err := r.state.GetString(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if !found {
		return fmt.Errorf("session not found: %s", nick)
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return fmt.Errorf("failed to unmarshal session: %w", err)
	}
	sess.LastSeen = time.Now().Unix()
	data, err := json.Marshal(&sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.state.SetString(ctx, key, string(data), r.ttl); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}

// Unregister 注销会话
func (r *sessionRepo) Unregister(ctx context.Context, tenantID, nick, token string) error {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return err
	}
	if err := r.state.Delete(ctx, sessionKey(ks, nick, token)); err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	return nil
}

// IsOnline 判断昵称是否存在至少一个存活会话，私信可达性判定用
func (r *sessionRepo) IsOnline(ctx context.Context, tenantID, nick string) (bool, error) {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return false, err
	}
	keys, err := r.state.Keys(ctx, ks.Key("sess", globEscaper.Replace(nick), "*"))
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return len(keys) > 0, nil
}

// List 列出租户当前存活会话。扫描 + 批量读，
// 列出期间过期的会话直接跳过。
func (r *sessionRepo) List(ctx context.Context, tenantID string) ([]*model.Session, error) {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return nil, err
	}
	keys, err := r.state.Keys(ctx, ks.Key("sess", "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*model.Session, 0, len(keys))
	for _, key := range keys {
		raw, found, err := r.state.GetString(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		if !found {
			continue
		}
		var sess model.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			r.logger.Warn("会话数据损坏，跳过",
				clog.String("key", key),
				clog.Error(err))
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// TTL 返回会话过期窗口
func (r *sessionRepo) TTL() time.Duration {
	return r.ttl
}

// Close 释放资源
func (r *sessionRepo) Close() error {
	return nil
}
