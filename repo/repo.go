package repo

import (
	"context"
	"time"

	"github.com/onairchat/onair/model"
)

// MessageRepo 定义了消息的数据访问接口，由 PostgreSQL 实现。
// 租户内的插入顺序是唯一的顺序保证。
type MessageRepo interface {
	// Append 追加一条已通过审核的消息
	Append(ctx context.Context, msg *model.Message) error
	// SoftDelete 软删除单条消息
	SoftDelete(ctx context.Context, tenantID string, msgID int64) error
	// ClearAll 在一个事务内软删除租户全部消息，并同步失效历史缓存
	ClearAll(ctx context.Context, tenantID string) error
	// RecentHistory 按游标拉取历史消息（升序返回，排除软删除）。
	// beforeID == 0 表示拉取最近 limit 条。
	RecentHistory(ctx context.Context, tenantID string, limit int, beforeID int64) ([]*model.Message, error)
	// Get 按 ID 获取消息（含软删除行，供管理端查看）
	Get(ctx context.Context, tenantID string, msgID int64) (*model.Message, error)
	// Close 释放资源
	Close() error
}

// BanRepo 定义了封禁记录的数据访问接口，读路径带短 TTL 缓存。
type BanRepo interface {
	// FindActive 查找未过期的封禁记录；过期记录按不存在处理但不删除。
	FindActive(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) (*model.BanRecord, error)
	// Upsert 创建或覆盖封禁记录，并在返回前同步失效缓存
	Upsert(ctx context.Context, ban *model.BanRecord) error
	// Remove 解除封禁，并在返回前同步失效缓存
	Remove(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) error
	// List 列出租户全部封禁记录
	List(ctx context.Context, tenantID string) ([]*model.BanRecord, error)
	// SweepExpired 清理已过期的封禁记录，返回清理条数
	SweepExpired(ctx context.Context, tenantID string) (int64, error)
	// Close 释放资源
	Close() error
}

// PatternRepo 定义了屏蔽规则的数据访问接口，读路径带 TTL 缓存。
type PatternRepo interface {
	// Patterns 返回租户的屏蔽规则（filter.PatternSource）
	Patterns(ctx context.Context, tenantID string) ([]*model.DenyPattern, error)
	// Add 新增规则并同步失效缓存
	Add(ctx context.Context, pattern *model.DenyPattern) error
	// Delete 删除规则并同步失效缓存
	Delete(ctx context.Context, tenantID string, id int64) error
	// Close 释放资源
	Close() error
}

// SettingsRepo 定义了租户配置的数据访问接口，读路径带 TTL 缓存。
type SettingsRepo interface {
	// Get 获取租户配置，不存在时返回默认配置
	Get(ctx context.Context, tenantID string) (*model.TenantSettings, error)
	// Update 更新租户配置并同步失效缓存
	Update(ctx context.Context, settings *model.TenantSettings) error
	// Close 释放资源
	Close() error
}

// SessionRepo 定义了观众会话的数据访问接口，由 Redis 实现（带不活跃过期）。
type SessionRepo interface {
	// Register 注册会话
	Register(ctx context.Context, sess *model.Session) error
	// Heartbeat 刷新会话存活时间
	Heartbeat(ctx context.Context, tenantID, nick, token string) error
	// Unregister 注销会话
	Unregister(ctx context.Context, tenantID, nick, token string) error
	// IsOnline 判断昵称是否存在至少一个存活会话（私信可达性判定）
	IsOnline(ctx context.Context, tenantID, nick string) (bool, error)
	// List 列出租户当前存活会话（在线列表/人数）
	List(ctx context.Context, tenantID string) ([]*model.Session, error)
	// TTL 返回会话过期窗口
	TTL() time.Duration
	// Close 释放资源
	Close() error
}

// AdminRepo 定义了管理用户的数据访问接口
type AdminRepo interface {
	// GetByUsername 按用户名获取管理用户
	GetByUsername(ctx context.Context, username string) (*model.AdminUser, error)
	// Create 创建管理用户
	Create(ctx context.Context, user *model.AdminUser) error
	// Close 释放资源
	Close() error
}
