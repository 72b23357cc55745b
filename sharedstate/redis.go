package sharedstate

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/redis/go-redis/v9"
)

// redisClient 基于 Redis 的 Client 实现
type redisClient struct {
	rdb    *redis.Client
	logger clog.Logger
}

// RedisClientOption 配置 redis Client 的选项
type RedisClientOption func(*redisClientOptions)

type redisClientOptions struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) RedisClientOption {
	return func(o *redisClientOptions) {
		o.logger = logger
	}
}

// NewRedis 基于 Redis 连接器创建共享状态客户端。
// 连接器生命周期由调用方管理，Close 不会关闭底层连接。
func NewRedis(redisConn connector.RedisConnector, opts ...RedisClientOption) (Client, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &redisClientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	return &redisClient{
		rdb:    redisConn.GetClient(),
		logger: logger.WithNamespace("sharedstate"),
	}, nil
}

func (c *redisClient) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *redisClient) SetString(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *redisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// IncrWindow 用 pipeline 保证 INCR 与首次 EXPIRE 在一次往返内完成。
// NX 过期只在键无 TTL 时生效，窗口不会因后续自增被推后。
func (c *redisClient) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to incr window %s: %w", key, err)
	}
	return incr.Val(), nil
}

// IncrSliding 每次自增都刷新 TTL，实现滑动过期窗口。
func (c *redisClient) IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to incr sliding %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (c *redisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl %s: %w", key, err)
	}
	// -2: 键不存在; -1: 无过期
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Keys 用 SCAN 遍历，避免在共享实例上执行阻塞的 KEYS。
func (c *redisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (c *redisClient) Close() error {
	// 底层连接由 connector 管理
	return nil
}
