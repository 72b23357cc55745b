package model

import (
	"time"
)

// ============================================================================
// 非持久化模型（Redis）
// ============================================================================

// Session 观众会话，存储在 Redis 中，带不活跃过期。
// 键：<keyspace>:sess:<nick>:<token>
type Session struct {
	TenantID string `json:"tenant_id"`
	Nick     string `json:"nick"`
	Token    string `json:"token"`
	RemoteIP string `json:"remote_ip"`
	LastSeen int64  `json:"last_seen"`
}

// ============================================================================
// 持久化模型（PostgreSQL）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源 (Single Source of Truth)。
// 表结构通过 `go run main.go -module init` 调用 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表                  索引名                  列                                类型      用途
//	─────────────────── ─────────────────────── ───────────────────────────────── ───────── ──────────────────────────────
//	t_message           PK                      msg_id                            主键      按消息 ID 精确查询 / 软删除
//	t_message           idx_tenant_msg          (tenant_id, msg_id)               复合      按租户拉取历史（游标分页）
//	t_ban_record        PK                      id                                自增主键  —
//	t_ban_record        uniq_tenant_subject     (tenant_id, subject_type, subject) 唯一复合 封禁判定精确命中 / 防重复封禁
//	t_deny_pattern      PK                      id                                自增主键  —
//	t_deny_pattern      idx_pattern_tenant      tenant_id                         普通      按租户加载屏蔽规则
//	t_tenant_settings   PK                      tenant_id                         主键      按租户读配置
//	t_admin_user        PK                      username                          主键      登录查询
//
// ============================================================================

// Message 消息表，除软删除标记外创建后不可变。
// 索引：PK(msg_id) + idx_tenant_msg(tenant_id, msg_id)
//   - idx_tenant_msg：按租户游标分页拉取历史
//     典型查询: WHERE tenant_id = ? AND deleted = false AND msg_id < ? ORDER BY msg_id DESC LIMIT ?
type Message struct {
	MsgID        int64     `gorm:"primaryKey;column:msg_id;type:bigint;autoIncrement:false;index:idx_tenant_msg,priority:2" json:"msg_id"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(32);not null;index:idx_tenant_msg,priority:1" json:"tenant_id"`
	SenderNick   string    `gorm:"column:sender_nick;type:varchar(64);not null" json:"sender_nick"`
	Body         string    `gorm:"column:body;type:text" json:"body"`
	ReplyToID    int64     `gorm:"column:reply_to_id;type:bigint;default:0" json:"reply_to_id,omitempty"`
	AttachmentID string    `gorm:"column:attachment_id;type:varchar(128)" json:"attachment_id,omitempty"`
	Private      bool      `gorm:"column:private;type:boolean;default:false" json:"private,omitempty"`
	Recipient    string    `gorm:"column:recipient;type:varchar(64)" json:"recipient,omitempty"`
	Deleted      bool      `gorm:"column:deleted;type:boolean;default:false" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// BanSubjectType 封禁对象类型
type BanSubjectType string

const (
	// BanSubjectIP 按网络地址封禁
	BanSubjectIP BanSubjectType = "ip"
	// BanSubjectNick 按昵称封禁
	BanSubjectNick BanSubjectType = "nick"
)

// BanRecord 封禁记录表。ExpiresAt 为空表示永久封禁。
// 索引：PK(id) + uniq_tenant_subject(tenant_id, subject_type, subject)
type BanRecord struct {
	ID          int64          `gorm:"primaryKey;column:id;autoIncrement" json:"id"`
	TenantID    string         `gorm:"column:tenant_id;type:varchar(32);not null;uniqueIndex:uniq_tenant_subject,priority:1" json:"tenant_id"`
	SubjectType BanSubjectType `gorm:"column:subject_type;type:varchar(8);not null;uniqueIndex:uniq_tenant_subject,priority:2" json:"subject_type"`
	Subject     string         `gorm:"column:subject;type:varchar(64);not null;uniqueIndex:uniq_tenant_subject,priority:3" json:"subject"`
	Reason      string         `gorm:"column:reason;type:varchar(255)" json:"reason"`
	Actor       string         `gorm:"column:actor;type:varchar(64);not null" json:"actor"`
	ExpiresAt   *time.Time     `gorm:"column:expires_at" json:"expires_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Expired 判断封禁是否已过期。过期记录按不存在处理（惰性过期），
// 读路径不删除，由 SweepExpired 清理。
func (b *BanRecord) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// DenyPattern 私聊 URL 屏蔽规则表，审核员可编辑，带短 TTL 缓存。
// 索引：PK(id) + idx_pattern_tenant(tenant_id)
type DenyPattern struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement" json:"id"`
	TenantID  string    `gorm:"column:tenant_id;type:varchar(32);not null;index:idx_pattern_tenant" json:"tenant_id"`
	Pattern   string    `gorm:"column:pattern;type:varchar(255);not null" json:"pattern"`
	IsRegex   bool      `gorm:"column:is_regex;type:boolean;default:false" json:"is_regex"`
	CreatedBy string    `gorm:"column:created_by;type:varchar(64)" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMode 租户聊天模式
type ChatMode string

const (
	ChatModePublic  ChatMode = "public"
	ChatModePrivate ChatMode = "private"
	ChatModeBoth    ChatMode = "both"
)

// IncludesPublic 模式是否包含公开消息
func (m ChatMode) IncludesPublic() bool {
	return m == ChatModePublic || m == ChatModeBoth
}

// IncludesPrivate 模式是否包含私信
func (m ChatMode) IncludesPrivate() bool {
	return m == ChatModePrivate || m == ChatModeBoth
}

// TenantSettings 租户配置表，热路径读取全部走缓存。
// 索引：PK(tenant_id)
type TenantSettings struct {
	TenantID           string    `gorm:"primaryKey;column:tenant_id;type:varchar(32)" json:"tenant_id"`
	Mode               ChatMode  `gorm:"column:mode;type:varchar(8);default:both" json:"mode"`
	RateLimit          int       `gorm:"column:rate_limit;type:int;default:5" json:"rate_limit"`
	RateWindowSec      int       `gorm:"column:rate_window_sec;type:int;default:10" json:"rate_window_sec"`
	ViolationThreshold int       `gorm:"column:violation_threshold;type:int;default:3" json:"violation_threshold"`
	ViolationTTLSec    int       `gorm:"column:violation_ttl_sec;type:int;default:3600" json:"violation_ttl_sec"`
	AutoBanHours       int       `gorm:"column:auto_ban_hours;type:int;default:24" json:"auto_ban_hours"`
	HistoryLimit       int       `gorm:"column:history_limit;type:int;default:50" json:"history_limit"`
	CreatedAt          time.Time `json:"-"`
	UpdatedAt          time.Time `json:"-"`
}

// RateWindow 返回限流窗口时长
func (s *TenantSettings) RateWindow() time.Duration {
	if s.RateWindowSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.RateWindowSec) * time.Second
}

// ViolationTTL 返回违规计数滑动窗口时长
func (s *TenantSettings) ViolationTTL() time.Duration {
	if s.ViolationTTLSec <= 0 {
		return time.Hour
	}
	return time.Duration(s.ViolationTTLSec) * time.Second
}

// AutoBanDuration 返回自动封禁时长
func (s *TenantSettings) AutoBanDuration() time.Duration {
	if s.AutoBanHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.AutoBanHours) * time.Hour
}

// GetHistoryLimit 返回历史快照条数，默认 50
func (s *TenantSettings) GetHistoryLimit() int {
	if s.HistoryLimit <= 0 {
		return 50
	}
	return s.HistoryLimit
}

// DefaultTenantSettings 返回租户默认配置
func DefaultTenantSettings(tenantID string) *TenantSettings {
	return &TenantSettings{
		TenantID:           tenantID,
		Mode:               ChatModeBoth,
		RateLimit:          5,
		RateWindowSec:      10,
		ViolationThreshold: 3,
		ViolationTTLSec:    3600,
		AutoBanHours:       24,
		HistoryLimit:       50,
	}
}

// AdminUser 管理用户表
// 索引：PK(username)
type AdminUser struct {
	Username  string    `gorm:"primaryKey;column:username;type:varchar(64);not null" json:"username"`
	Password  string    `gorm:"column:password;type:varchar(128);not null" json:"-"`
	Role      string    `gorm:"column:role;type:varchar(16);not null" json:"role"`
	TenantID  string    `gorm:"column:tenant_id;type:varchar(32)" json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// ============================================================================
// 表名映射
// ============================================================================

func (Message) TableName() string        { return "t_message" }
func (BanRecord) TableName() string      { return "t_ban_record" }
func (DenyPattern) TableName() string    { return "t_deny_pattern" }
func (TenantSettings) TableName() string { return "t_tenant_settings" }
func (AdminUser) TableName() string      { return "t_admin_user" }

// ============================================================================
// 常量
// ============================================================================

// ViolationCategory 违规类别
type ViolationCategory string

const (
	// ViolationBlockedURL 私聊中命中屏蔽 URL
	ViolationBlockedURL ViolationCategory = "blocked_url"
	// ViolationRateAbuse 反复触发限流
	ViolationRateAbuse ViolationCategory = "rate_abuse"
)

// AutoBanActor 自动封禁记录的 actor 值
const AutoBanActor = "auto"

// AllModels 返回所有需要 AutoMigrate 的模型列表
func AllModels() []any {
	return []any{
		&Message{},
		&BanRecord{},
		&DenyPattern{},
		&TenantSettings{},
		&AdminUser{},
	}
}
