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
	"gorm.io/gorm"
)

// historyCacheTTL 最近历史快照的缓存时长。
// 取值偏短：写路径会主动失效，TTL 只兜底极端竞态。
const historyCacheTTL = 30 * time.Second

// MessageRepoOption 配置 MessageRepo 的选项
type MessageRepoOption func(*messageRepoOptions)

type messageRepoOptions struct {
	logger clog.Logger
}

// WithMessageRepoLogger 设置日志记录器
func WithMessageRepoLogger(logger clog.Logger) MessageRepoOption {
	return func(o *messageRepoOptions) {
		o.logger = logger
	}
}

// messageRepo 实现 MessageRepo 接口
type messageRepo struct {
	db     db.DB
	cache  cache.Cache
	logger clog.Logger
}

// NewMessageRepo 创建 MessageRepo 实例。
// redisConn 用于最近历史快照缓存，由调用方管理生命周期。
func NewMessageRepo(database db.DB, redisConn connector.RedisConnector, opts ...MessageRepoOption) (MessageRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &messageRepoOptions{}
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

	return &messageRepo{
		db:     database,
		cache:  cacheInstance,
		logger: logger.WithNamespace("message_repo"),
	}, nil
}

// Append 追加消息。消息一经写入不可变（软删除标记除外），
// 同步失效最近历史快照，使新消息立即进入 connect 时的回填。
func (r *messageRepo) Append(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.TenantID == "" {
		return fmt.Errorf("tenant_id cannot be empty")
	}
	if msg.SenderNick == "" {
		return fmt.Errorf("sender_nick cannot be empty")
	}
	if msg.MsgID == 0 {
		return fmt.Errorf("msg_id cannot be zero")
	}
	if msg.Body == "" && msg.AttachmentID == "" {
		return fmt.Errorf("message must have body or attachment")
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Create(msg).Error; err != nil {
		r.logger.Error("保存消息失败",
			clog.String("tenant_id", msg.TenantID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
		return fmt.Errorf("failed to append message: %w", err)
	}

	r.invalidateHistory(ctx, msg.TenantID)

	r.logger.Debug("保存消息成功",
		clog.String("tenant_id", msg.TenantID),
		clog.Int64("msg_id", msg.MsgID))
	return nil
}

// SoftDelete 软删除单条消息
func (r *messageRepo) SoftDelete(ctx context.Context, tenantID string, msgID int64) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id cannot be empty")
	}

	result := r.db.DB(ctx).Model(&model.Message{}).
		Where("tenant_id = ? AND msg_id = ?", tenantID, msgID).
		Update("deleted", true)
	if result.Error != nil {
		r.logger.Error("软删除消息失败",
			clog.String("tenant_id", tenantID),
			clog.Int64("msg_id", msgID),
			clog.Error(result.Error))
		return fmt.Errorf("failed to soft delete message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("message not found: %d", msgID)
	}

	r.invalidateHistory(ctx, tenantID)
	return nil
}

// ClearAll 在一个事务内翻转租户全部行的软删除标记。
// 缓存失效失败时必须报错：否则读者会从缓存里看到已清空的消息复活。
func (r *messageRepo) ClearAll(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id cannot be empty")
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Model(&model.Message{}).
			Where("tenant_id = ? AND deleted = ?", tenantID, false).
			Update("deleted", true).Error; err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("清空租户消息失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
		return err
	}

	ks, err := keyspace.New(tenantID)
	if err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, ks.CacheKey("history", "recent")); err != nil {
		r.logger.Error("清空后历史缓存失效失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
		return fmt.Errorf("failed to invalidate history cache: %w", err)
	}

	r.logger.Info("租户消息已清空", clog.String("tenant_id", tenantID))
	return nil
}

// RecentHistory 按游标拉取历史消息。
// 语义：
//   - beforeID == 0: 拉取租户“最近”的 limit 条消息（带短 TTL 缓存）
//   - beforeID > 0: 拉取 msg_id < beforeID 的历史消息（不走缓存）
//
// 私信与同租户的公开消息同表存储，历史只面向公共快照，
// private 行永远不出现在结果里。
// 返回顺序统一为 msg_id 升序，方便前端直接渲染。
func (r *messageRepo) RecentHistory(ctx context.Context, tenantID string, limit int, beforeID int64) ([]*model.Message, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	ks, err := keyspace.New(tenantID)
	if err != nil {
		return nil, err
	}

	useCache := beforeID == 0
	cacheKey := ks.CacheKey("history", "recent")
	if useCache {
		var cached []*model.Message
		if err := r.cache.Get(ctx, cacheKey, &cached); err == nil && len(cached) > 0 {
			if len(cached) > limit {
				cached = cached[len(cached)-limit:]
			}
			return cached, nil
		}
	}

	var messages []*model.Message
	query := r.db.DB(ctx).
		Where("tenant_id = ? AND deleted = ? AND private = ?", tenantID, false, false)
	if beforeID > 0 {
		query = query.Where("msg_id < ?", beforeID)
	}

	// 为了高效拿“最近 limit 条”，先倒序取，再在内存反转为升序输出。
	if err := query.Order("msg_id DESC").Limit(limit).Find(&messages).Error; err != nil {
		r.logger.Error("拉取历史消息失败",
			clog.String("tenant_id", tenantID),
			clog.Int64("before_id", beforeID),
			clog.Int("limit", limit),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get recent history: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if useCache && len(messages) > 0 {
		if err := r.cache.Set(ctx, cacheKey, messages, historyCacheTTL); err != nil {
			r.logger.Debug("历史缓存写入失败",
				clog.String("tenant_id", tenantID),
				clog.Error(err))
		}
	}

	return messages, nil
}

// Get 按 ID 获取消息，含软删除行
func (r *messageRepo) Get(ctx context.Context, tenantID string, msgID int64) (*model.Message, error) {
	var msg model.Message
	err := r.db.DB(ctx).
		Where("tenant_id = ? AND msg_id = ?", tenantID, msgID).
		First(&msg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("message not found: %d", msgID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// invalidateHistory 尽力失效最近历史快照。单条写入路径上失效失败
// 只记日志：TTL 会在 30 秒内兜底。
func (r *messageRepo) invalidateHistory(ctx context.Context, tenantID string) {
	ks, err := keyspace.New(tenantID)
	if err != nil {
		return
	}
	if err := r.cache.Delete(ctx, ks.CacheKey("history", "recent")); err != nil {
		r.logger.Debug("历史缓存失效失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
	}
}

// Close 释放资源
func (r *messageRepo) Close() error {
	// db 与 redis 实例由外部管理，这里不需要关闭
	return nil
}
