// Package sharedstate 封装多租户共享的计数器/键值状态访问。
// 组件一律通过注入的 Client 接口访问共享状态，禁止使用进程级全局变量；
// 所有键必须由 keyspace 生成后传入。
package sharedstate

import (
	"context"
	"time"
)

// Client 共享状态客户端。
// 计数器操作必须是原子的 increment-with-expiry，不允许读-改-写。
type Client interface {
	// GetString 读取字符串值，第二个返回值表示键是否存在。
	GetString(ctx context.Context, key string) (string, bool, error)

	// SetString 写入字符串值，ttl 为 0 表示不过期。
	SetString(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete 删除若干键
	Delete(ctx context.Context, keys ...string) error

	// IncrWindow 固定窗口计数：原子自增，首次自增时设置窗口过期。
	// 返回自增后的计数值。用于 RateWindow。
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrSliding 滑动过期计数：原子自增并刷新 TTL。
	// 返回自增后的计数值。用于 ViolationCounter。
	IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL 返回键的剩余存活时间；键不存在时返回 0。
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys 返回匹配 pattern 的键列表。仅用于低频路径（在线列表、清理）。
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close 释放资源
	Close() error
}
