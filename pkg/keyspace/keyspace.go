// Package keyspace 为多租户共享同一个 Redis 实例提供键命名空间隔离。
// 所有缓存键和广播频道名必须经由 Keyspace 生成，任何组件不得自行拼接租户键。
package keyspace

import (
	"fmt"
	"regexp"
	"strings"
)

// prefix 所有键的全局前缀，与部署在同一 Redis 上的其他系统区分。
const prefix = "onair"

// delimiter 键段分隔符。租户 ID 校验保证其中不会出现该字符，
// 因此两个不同租户生成的键在结构上不可能碰撞。
const delimiter = ":"

// tenantIDPattern 合法租户 ID：小写字母、数字、下划线、连字符，1-32 位。
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// ChannelKind 广播频道类型
type ChannelKind string

const (
	// ChannelPublic 公开消息频道
	ChannelPublic ChannelKind = "public"
	// ChannelPresence 在线状态变更频道
	ChannelPresence ChannelKind = "presence"
	// ChannelPrivate 私信频道（单频道广播，网关侧按收件人过滤）
	ChannelPrivate ChannelKind = "private"
)

// Keyspace 绑定单个租户的键空间。零值不可用，必须经 New 构造。
type Keyspace struct {
	tenantID string
}

// New 创建租户键空间，非法租户 ID 直接拒绝，
// 保证后续生成的任何键都不会破坏租户隔离。
func New(tenantID string) (Keyspace, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return Keyspace{}, fmt.Errorf("invalid tenant id: %q", tenantID)
	}
	return Keyspace{tenantID: tenantID}, nil
}

// MustNew 创建租户键空间，非法时 panic。仅用于测试和常量租户。
func MustNew(tenantID string) Keyspace {
	ks, err := New(tenantID)
	if err != nil {
		panic(err)
	}
	return ks
}

// TenantID 返回租户 ID
func (k Keyspace) TenantID() string {
	return k.tenantID
}

// Key 生成租户前缀键：onair:t:<tenant>:<part>:<part>...
// parts 中的分隔符不做转义：调用方传入的是逻辑段名，不是用户输入。
func (k Keyspace) Key(parts ...string) string {
	segs := make([]string, 0, len(parts)+3)
	segs = append(segs, prefix, "t", k.tenantID)
	segs = append(segs, parts...)
	return strings.Join(segs, delimiter)
}

// Channel 生成租户广播频道名：onair:t:<tenant>:ch:<kind>
func (k Keyspace) Channel(kind ChannelKind) string {
	return k.Key("ch", string(kind))
}

// CacheKey 生成 genesis cache 组件内使用的相对键：t:<tenant>:<part>...
// cache 实例自带全局前缀，叠加后完整键仍满足 prefix(tenant)+logicalKey 不变量。
func (k Keyspace) CacheKey(parts ...string) string {
	segs := make([]string, 0, len(parts)+2)
	segs = append(segs, "t", k.tenantID)
	segs = append(segs, parts...)
	return strings.Join(segs, delimiter)
}

// ValidTenantID 校验租户 ID 是否合法，供入口层提前拒绝非法请求。
func ValidTenantID(tenantID string) bool {
	return tenantIDPattern.MatchString(tenantID)
}
