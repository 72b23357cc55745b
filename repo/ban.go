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
	"gorm.io/gorm/clause"
)

// banCacheTTL 封禁判定缓存时长。热路径每条消息都要查两次（IP + 昵称），
// 接受最多 1 分钟的陈旧读；管理员的显式封禁/解封会同步失效，不等 TTL。
const banCacheTTL = time.Minute

// cachedBan 缓存条目。Found=false 是负缓存：绝大多数发送者没有封禁记录，
// 不缓存未命中会让每条消息都打到数据库。
type cachedBan struct {
	Found  bool             `json:"found"`
	Record *model.BanRecord `json:"record,omitempty"`
}

// BanRepoOption 配置 BanRepo 的选项
type BanRepoOption func(*banRepoOptions)

type banRepoOptions struct {
	logger clog.Logger
}

// WithBanRepoLogger 设置日志记录器
func WithBanRepoLogger(logger clog.Logger) BanRepoOption {
	return func(o *banRepoOptions) {
		o.logger = logger
	}
}

// banRepo 实现 BanRepo 接口
type banRepo struct {
	db     db.DB
	cache  cache.Cache
	logger clog.Logger
}

// NewBanRepo 创建 BanRepo 实例
func NewBanRepo(database db.DB, redisConn connector.RedisConnector, opts ...BanRepoOption) (BanRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &banRepoOptions{}
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

	return &banRepo{
		db:     database,
		cache:  cacheInstance,
		logger: logger.WithNamespace("ban_repo"),
	}, nil
}

func banCacheKey(ks keyspace.Keyspace, subjectType model.BanSubjectType, subject string) string {
	return ks.CacheKey("ban", string(subjectType), subject)
}

// FindActive 查找未过期的封禁记录，cache-aside 读。
// 过期记录按不存在处理（惰性过期），由 SweepExpired 清理。
// 找不到时返回 (nil, nil)；任何基础设施错误原样上抛，由调用方决定
// fail-closed 还是 fail-open。
func (r *banRepo) FindActive(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) (*model.BanRecord, error) {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return nil, err
	}
	key := banCacheKey(ks, subjectType, subject)

	var cached cachedBan
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		if !cached.Found {
			return nil, nil
		}
		if cached.Record != nil && !cached.Record.Expired(time.Now()) {
			return cached.Record, nil
		}
		return nil, nil
	}

	var record model.BanRecord
	result := r.db.DB(ctx).
		Where("tenant_id = ? AND subject_type = ? AND subject = ?", tenantID, subjectType, subject).
		Limit(1).
		Find(&record)
	if result.Error != nil {
		r.logger.Error("查询封禁记录失败",
			clog.String("tenant_id", tenantID),
			clog.String("subject", subject),
			clog.Error(result.Error))
		return nil, fmt.Errorf("failed to find ban record: %w", result.Error)
	}

	entry := cachedBan{}
	var active *model.BanRecord
	if result.RowsAffected > 0 {
		entry.Found = true
		entry.Record = &record
		if !record.Expired(time.Now()) {
			active = &record
		}
	}

	if err := r.cache.Set(ctx, key, entry, banCacheTTL); err != nil {
		r.logger.Debug("封禁缓存写入失败", clog.String("key", key), clog.Error(err))
	}

	return active, nil
}

// Upsert 创建或覆盖封禁记录。同一主体重复封禁以最新一条为准。
// 缓存失效失败时报错：管理动作不允许等 TTL 生效。
func (r *banRepo) Upsert(ctx context.Context, ban *model.BanRecord) error {
	if ban == nil {
		return fmt.Errorf("ban record cannot be nil")
	}
	if ban.TenantID == "" || ban.Subject == "" {
		return fmt.Errorf("tenant_id and subject cannot be empty")
	}
	if ban.Actor == "" {
		return fmt.Errorf("actor cannot be empty")
	}

	ks, err := keyspace.New(ban.TenantID)
	if err != nil {
		return err
	}

	if err := r.db.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "subject_type"}, {Name: "subject"}},
		UpdateAll: true,
	}).Create(ban).Error; err != nil {
		r.logger.Error("写入封禁记录失败",
			clog.String("tenant_id", ban.TenantID),
			clog.String("subject", ban.Subject),
			clog.Error(err))
		return fmt.Errorf("failed to upsert ban record: %w", err)
	}

	if err := r.cache.Delete(ctx, banCacheKey(ks, ban.SubjectType, ban.Subject)); err != nil {
		return fmt.Errorf("failed to invalidate ban cache: %w", err)
	}

	r.logger.Info("封禁生效",
		clog.String("tenant_id", ban.TenantID),
		clog.String("subject_type", string(ban.SubjectType)),
		clog.String("subject", ban.Subject),
		clog.String("actor", ban.Actor))
	return nil
}

// Remove 解除封禁。缓存同步失效，下一次 FindActive 立即看到解封。
func (r *banRepo) Remove(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) error {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return err
	}

	if err := r.db.DB(ctx).
		Where("tenant_id = ? AND subject_type = ? AND subject = ?", tenantID, subjectType, subject).
		Delete(&model.BanRecord{}).Error; err != nil {
		r.logger.Error("删除封禁记录失败",
			clog.String("tenant_id", tenantID),
			clog.String("subject", subject),
			clog.Error(err))
		return fmt.Errorf("failed to remove ban record: %w", err)
	}

	if err := r.cache.Delete(ctx, banCacheKey(ks, subjectType, subject)); err != nil {
		return fmt.Errorf("failed to invalidate ban cache: %w", err)
	}

	r.logger.Info("封禁解除",
		clog.String("tenant_id", tenantID),
		clog.String("subject_type", string(subjectType)),
		clog.String("subject", subject))
	return nil
}

// List 列出租户全部封禁记录（含已过期，管理端自行展示状态）
func (r *banRepo) List(ctx context.Context, tenantID string) ([]*model.BanRecord, error) {
	var records []*model.BanRecord
	if err := r.db.DB(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list ban records: %w", err)
	}
	return records, nil
}

// SweepExpired 清理已过期的封禁记录
func (r *banRepo) SweepExpired(ctx context.Context, tenantID string) (int64, error) {
	result := r.db.DB(ctx).
		Where("tenant_id = ? AND expires_at IS NOT NULL AND expires_at <= ?", tenantID, time.Now()).
		Delete(&model.BanRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired bans: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		r.logger.Info("清理过期封禁",
			clog.String("tenant_id", tenantID),
			clog.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Close 释放资源
func (r *banRepo) Close() error {
	return nil
}
