// Package bootstrap 提供数据库初始化能力：AutoMigrate 建表 + Seed 种子数据。
// 通过 `go run main.go -module init` 调用，幂等可重复执行。
package bootstrap

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/pkg/roles"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Config 初始化所需的配置（复用 chatd.yaml）
type Config struct {
	Log        clog.Config                `mapstructure:"log"`
	PostgreSQL connector.PostgreSQLConfig `mapstructure:"postgres"`
	Seed       SeedConfig                 `mapstructure:"seed"`
}

// SeedConfig 种子数据配置
type SeedConfig struct {
	// AdminUsername / AdminPassword 平台 root 管理员凭证，缺省跳过创建
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
	// DefaultTenant 预置租户，缺省 "demo"
	DefaultTenant string `mapstructure:"default_tenant"`
	// DenyPatterns 预置租户的私聊屏蔽规则（子串匹配）
	DenyPatterns []string `mapstructure:"deny_patterns"`
}

// Run 执行数据库初始化：建表 + 种子数据
func Run() error {
	// 1. 加载配置（复用 chatd.yaml）
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. 初始化日志
	logger, _ := clog.New(&cfg.Log)

	logger.Info("starting database initialization...")

	// 3. 连接 PostgreSQL
	postgresConn, err := connector.NewPostgreSQL(&cfg.PostgreSQL, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("postgresql connector: %w", err)
	}
	defer postgresConn.Close()

	dbInstance, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(postgresConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer dbInstance.Close()

	ctx := context.Background()
	gormDB := dbInstance.DB(ctx)

	// 4. AutoMigrate 建表 + 索引
	logger.Info("running AutoMigrate...")
	if err := gormDB.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("AutoMigrate completed")

	// 5. Seed 种子数据
	logger.Info("seeding initial data...")
	if err := seed(gormDB, &cfg.Seed, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("seed completed")

	logger.Info("database initialization finished successfully")
	return nil
}

// seed 插入种子数据（幂等）
func seed(gormDB *gorm.DB, seedCfg *SeedConfig, logger clog.Logger) error {
	tenantID := seedCfg.DefaultTenant
	if tenantID == "" {
		tenantID = "demo"
	}
	if !keyspace.ValidTenantID(tenantID) {
		return fmt.Errorf("invalid default tenant id: %q", tenantID)
	}

	// 1. 预置租户默认配置
	settings := model.DefaultTenantSettings(tenantID)
	result := gormDB.Where("tenant_id = ?", tenantID).FirstOrCreate(settings)
	if result.Error != nil {
		return fmt.Errorf("seed tenant settings: %w", result.Error)
	}
	logger.Info("default tenant ready", clog.String("tenant_id", tenantID))

	// 2. 预置屏蔽规则
	for _, pattern := range seedCfg.DenyPatterns {
		if pattern == "" {
			continue
		}
		deny := &model.DenyPattern{
			TenantID:  tenantID,
			Pattern:   pattern,
			CreatedBy: "bootstrap",
		}
		result = gormDB.Where("tenant_id = ? AND pattern = ?", tenantID, pattern).FirstOrCreate(deny)
		if result.Error != nil {
			return fmt.Errorf("seed deny pattern %q: %w", pattern, result.Error)
		}
	}
	if len(seedCfg.DenyPatterns) > 0 {
		logger.Info("deny patterns ready", clog.Int("count", len(seedCfg.DenyPatterns)))
	}

	// 3. 创建 root 管理员
	if seedCfg.AdminUsername == "" || seedCfg.AdminPassword == "" {
		logger.Info("admin seed skipped: missing username or password in config")
		return nil
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(seedCfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	admin := &model.AdminUser{
		Username: seedCfg.AdminUsername,
		Password: string(hashedPassword),
		Role:     string(roles.RoleRoot),
	}
	result = gormDB.Where("username = ?", admin.Username).FirstOrCreate(admin)
	if result.Error != nil {
		return fmt.Errorf("seed admin user: %w", result.Error)
	}
	logger.Info("admin user ready", clog.String("username", admin.Username))

	return nil
}

// loadConfig 加载配置（复用 chatd.yaml）
func loadConfig() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "chatd",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "ONAIR",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
