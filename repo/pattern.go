package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/cache"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/keyspace"
)

// patternCacheTTL 屏蔽规则缓存时长。规则变更低频，写路径会主动失效。
const patternCacheTTL = 5 * time.Minute

// PatternRepoOption 配置 PatternRepo 的选项
type PatternRepoOption func(*patternRepoOptions)

type patternRepoOptions struct {
	logger clog.Logger
}

// WithPatternRepoLogger 设置日志记录器
func WithPatternRepoLogger(logger clog.Logger) PatternRepoOption {
	return func(o *patternRepoOptions) {
		o.logger = logger
	}
}

// patternRepo 实现 PatternRepo 接口
type patternRepo struct {
	db     db.DB
	cache  cache.Cache
	logger clog.Logger
}

// NewPatternRepo 创建 PatternRepo 实例
func NewPatternRepo(database db.DB, redisConn connector.RedisConnector, opts ...PatternRepoOption) (PatternRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &patternRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	cacheInstance, err := cache.New(&cache.Config{
		Driver:     cache.DriverRedis,
		Prefix:     "onair:cache:",
		Serializer: "json",
	}, cache.WithRedisConnector(redisConn), cache.WithLogger(options.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache instance: %w", err)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	return &patternRepo{
		db:     database,
		cache:  cacheInstance,
		logger: logger.WithNamespace("pattern_repo"),
	}, nil
}

func patternCacheKey(ks keyspace.Keyspace) string {
	return ks.CacheKey("patterns")
}

// Patterns 返回租户全部屏蔽规则，cache-aside 读。
// 空规则集也缓存（缓存空切片），避免无规则租户每条私信都查库。
func (r *patternRepo) Patterns(ctx context.Context, tenantID string) ([]*model.DenyPattern, error) {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return nil, err
	}
	key := patternCacheKey(ks)

	var cached []*model.DenyPattern
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	var patterns []*model.DenyPattern
	if err := r.db.DB(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").
		Find(&patterns).Error; err != nil {
		r.logger.Error("加载屏蔽规则失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to load deny patterns: %w", err)
	}
	if patterns == nil {
		patterns = []*model.DenyPattern{}
	}

	if err := r.cache.Set(ctx, key, patterns, patternCacheTTL); err != nil {
		r.logger.Debug("屏蔽规则缓存写入失败", clog.String("tenant_id", tenantID), clog.Error(err))
	}

	return patterns, nil
}

// Add 新增规则。缓存失效失败时报错：审核员添加的规则必须立即生效。
func (r *patternRepo) Add(ctx context.Context, pattern *model.DenyPattern) error {
	if pattern == nil {
		return fmt.Errorf("pattern cannot be nil")
	}
	if pattern.TenantID == "" || pattern.Pattern == "" {
		return fmt.Errorf("tenant_id and pattern cannot be empty")
	}

	ks, err := keyspace.New(pattern.TenantID)
	if err != nil {
		return err
	}

	if err := r.db.DB(ctx).Create(pattern).Error; err != nil {
		r.logger.Error("新增屏蔽规则失败",
			clog.String("tenant_id", pattern.TenantID),
			clog.String("pattern", pattern.Pattern),
			clog.Error(err))
		return fmt.Errorf("failed to add deny pattern: %w", err)
	}

	if err := r.cache.Delete(ctx, patternCacheKey(ks)); err != nil {
		return fmt.Errorf("failed to invalidate pattern cache: %w", err)
	}

	r.logger.Info("新增屏蔽规则",
		clog.String("tenant_id", pattern.TenantID),
		clog.String("pattern", pattern.Pattern),
		clog.String("created_by", pattern.CreatedBy))
	return nil
}

// Delete 删除规则并同步失效缓存
func (r *patternRepo) Delete(ctx context.Context, tenantID string, id int64) error {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return err
	}

	result := r.db.DB(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&model.DenyPattern{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete deny pattern: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deny pattern not found: %d", id)
	}

	if err := r.cache.Delete(ctx, patternCacheKey(ks)); err != nil {
		return fmt.Errorf("failed to invalidate pattern cache: %w", err)
	}

	r.logger.Info("删除屏蔽规则",
		clog.String("tenant_id", tenantID),
		clog.Int64("id", id))
	return nil
}

// Close 释放资源
func (r *patternRepo) Close() error {
	return nil
}
