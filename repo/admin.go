package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/onairchat/onair/model"
	"gorm.io/gorm"
)

// AdminRepoOption 配置 AdminRepo 的选项
type AdminRepoOption func(*adminRepo)

// WithAdminRepoLogger 设置日志记录器
func WithAdminRepoLogger(logger clog.Logger) AdminRepoOption {
	return func(r *adminRepo) {
		if logger != nil {
			r.logger = logger.WithNamespace("admin_repo")
		}
	}
}

// adminRepo 实现 AdminRepo 接口。管理用户量极小，不做缓存。
type adminRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewAdminRepo 创建 AdminRepo 实例
func NewAdminRepo(database db.DB, opts ...AdminRepoOption) (AdminRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	r := &adminRepo{
		db:     database,
		logger: clog.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// GetByUsername 按用户名获取管理用户
func (r *adminRepo) GetByUsername(ctx context.Context, username string) (*model.AdminUser, error) {
	var user model.AdminUser
	err := r.db.DB(ctx).
		Where("username = ?", username).
		First(&user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("admin user not found: %s", username)
		}
		return nil, fmt.Errorf("failed to get admin user: %w", err)
	}
	return &user, nil
}

// Create 创建管理用户。密码必须是调用方已经哈希过的值。
func (r *adminRepo) Create(ctx context.Context, user *model.AdminUser) error {
	if user == nil {
		return fmt.Errorf("user cannot be nil")
	}
	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("username and password cannot be empty")
	}

	if err := r.db.DB(ctx).Create(user).Error; err != nil {
		r.logger.Error("创建管理用户失败",
			clog.String("username", user.Username),
			clog.Error(err))
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	r.logger.Info("管理用户已创建",
		clog.String("username", user.Username),
		clog.String("role", user.Role))
	return nil
}

// Close 释放资源
func (r *adminRepo) Close() error {
	return nil
}
