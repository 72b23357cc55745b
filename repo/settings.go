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

// settingsCacheTTL 租户配置缓存时长
const settingsCacheTTL = 5 * time.Minute

// SettingsRepoOption 配置 SettingsRepo 的选项
type SettingsRepoOption func(*settingsRepoOptions)

type settingsRepoOptions struct {
	logger clog.Logger
}

// WithSettingsRepoLogger 设置日志记录器
func WithSettingsRepoLogger(logger clog.Logger) SettingsRepoOption {
	return func(o *settingsRepoOptions) {
		o.logger = logger
	}
}

// settingsRepo 实现 SettingsRepo 接口
type settingsRepo struct {
	db     db.DB
	cache  cache.Cache
	logger clog.Logger
}

// NewSettingsRepo 创建 SettingsRepo 实例
func NewSettingsRepo(database db.DB, redisConn connector.RedisConnector, opts ...SettingsRepoOption) (SettingsRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &settingsRepoOptions{}
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

	return &settingsRepo{
		db:     database,
		cache:  cacheInstance,
		logger: logger.WithNamespace("settings_repo"),
	}, nil
}

func settingsCacheKey(ks keyspace.Keyspace) string {
	return ks.CacheKey("settings")
}

// Get 获取租户配置。没有行时返回默认配置，不报错：
// 新租户无需任何预置即可开播。默认配置同样进缓存。
func (r *settingsRepo) Get(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return nil, err
	}
	key := settingsCacheKey(ks)

	var cached model.TenantSettings
	if err := r.cache.Get(ctx, key, &cached); err == nil && cached.TenantID != "" {
		return &cached, nil
	}

	var settings model.TenantSettings
	result := r.db.DB(ctx).
		Where("tenant_id = ?", tenantID).
		Limit(1).
		Find(&settings)
	if result.Error != nil {
		r.logger.Error("读取租户配置失败",
			clog.String("tenant_id", tenantID),
			clog.Error(result.Error))
		return nil, fmt.Errorf("failed to get tenant settings: %w", result.Error)
	}

	out := &settings
	if result.RowsAffected == 0 {
		out = model.DefaultTenantSettings(tenantID)
	}

	if err := r.cache.Set(ctx, key, out, settingsCacheTTL); err != nil {
		r.logger.Debug("租户配置缓存写入失败", clog.String("tenant_id", tenantID), clog.Error(err))
	}

	return out, nil
}

// Update 写入租户配置并同步失效缓存
func (r *settingsRepo) Update(ctx context.Context, settings *model.TenantSettings) error {
	if settings == nil {
		return fmt.Errorf("settings cannot be nil")
	}

	ks, err := keyspace.New(settings.TenantID)
	if err != nil {
		return err
	}

	if err := r.db.DB(ctx).Save(settings).Error; err != nil {
		r.logger.Error("更新租户配置失败",
			clog.String("tenant_id", settings.TenantID),
			clog.Error(err))
		return fmt.Errorf("failed to update tenant settings: %w", err)
	}

	if err := r.cache.Delete(ctx, settingsCacheKey(ks)); err != nil {
		return fmt.Errorf("failed to invalidate settings cache: %w", err)
	}

	r.logger.Info("租户配置已更新",
		clog.String("tenant_id", settings.TenantID),
		clog.String("mode", string(settings.Mode)))
	return nil
}

// Close 释放资源
func (r *settingsRepo) Close() error {
	return nil
}
