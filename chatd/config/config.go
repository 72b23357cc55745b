// Package config 定义并加载 chatd 服务配置。
// 配置加载顺序：环境变量 > .env > chatd.{env}.yaml > chatd.yaml
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/idgen"
	"github.com/onairchat/onair/chatd/observability"
	"github.com/onairchat/onair/stream"
)

// Config chatd 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		Host     string `mapstructure:"host"`      // 服务主机名（环境变量 HOSTNAME）
		HTTPPort int    `mapstructure:"http_port"` // HTTP 服务端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置

	// ID 生成器配置
	IDGen idgen.GeneratorConfig `mapstructure:"idgen"` // Snowflake ID 生成器配置

	// WorkerID 配置
	WorkerID WorkerIDConfig `mapstructure:"worker_id"`

	// 管理端认证配置
	JWT JWTConfig `mapstructure:"jwt"`

	// 观众会话配置
	Session SessionConfig `mapstructure:"session"`

	// 观众下行流配置
	Stream StreamConfig `mapstructure:"stream"`

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`
}

// WorkerIDConfig WorkerID 分发配置
type WorkerIDConfig struct {
	MaxID int `mapstructure:"max_id"` // 最大 ID 范围 [0, max_id)
}

// GetMaxID 获取最大 ID，默认 1024
func (c *WorkerIDConfig) GetMaxID() int {
	if c.MaxID <= 0 {
		return 1024
	}
	return c.MaxID
}

// JWTConfig 管理令牌配置
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`    // 签名密钥，必填
	TTLHours int    `mapstructure:"ttl_hours"` // 令牌有效期（小时）
}

// GetTTL 获取令牌有效期，默认 24 小时
func (c *JWTConfig) GetTTL() time.Duration {
	if c.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.TTLHours) * time.Hour
}

// SessionConfig 观众会话配置
type SessionConfig struct {
	TTLSec int `mapstructure:"ttl_sec"` // 会话不活跃过期窗口（秒）
}

// GetTTL 获取会话过期窗口，默认 90 秒
func (c *SessionConfig) GetTTL() time.Duration {
	if c.TTLSec <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.TTLSec) * time.Second
}

// StreamConfig 观众下行流配置
type StreamConfig struct {
	MaxConnectionAgeSec int   `mapstructure:"max_connection_age_sec"` // 连接最大存活时间（秒）
	PingIntervalSec     int   `mapstructure:"ping_interval_sec"`      // 空闲保活间隔（秒）
	PongTimeoutSec      int   `mapstructure:"pong_timeout_sec"`       // 读超时（秒）
	MaxMessageSize      int64 `mapstructure:"max_message_size"`       // 上行帧大小上限（字节）
	ReadBufferSize      int   `mapstructure:"read_buffer_size"`       // 读缓冲区大小
	WriteBufferSize     int   `mapstructure:"write_buffer_size"`      // 写缓冲区大小
}

// ToStreamConfig 转换为 stream.Config，零值字段由 stream 层取默认
func (c *StreamConfig) ToStreamConfig() *stream.Config {
	return &stream.Config{
		MaxConnectionAge: time.Duration(c.MaxConnectionAgeSec) * time.Second,
		PingInterval:     time.Duration(c.PingIntervalSec) * time.Second,
		PongTimeout:      time.Duration(c.PongTimeoutSec) * time.Second,
		MaxMessageSize:   c.MaxMessageSize,
	}
}

// GetReadBufferSize 获取读缓冲区大小，默认 1024
func (c *StreamConfig) GetReadBufferSize() int {
	if c.ReadBufferSize <= 0 {
		return 1024
	}
	return c.ReadBufferSize
}

// GetWriteBufferSize 获取写缓冲区大小，默认 1024
func (c *StreamConfig) GetWriteBufferSize() int {
	if c.WriteBufferSize <= 0 {
		return 1024
	}
	return c.WriteBufferSize
}

// GetHost 获取服务主机名，优先使用配置，其次环境变量 HOSTNAME，最后 "localhost"
func (c *Config) GetHost() string {
	if c.Service.Host != "" {
		return c.Service.Host
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}

// GetHTTPPort 获取 HTTP 端口
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8080
}

// GetHTTPAddr 获取 HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// GetServiceName 获取服务名称
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "chatd"
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}

// Load 创建并加载 chatd 配置
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "chatd",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "ONAIR",
	})
	if err != nil {
		return nil, err
	}

	// 必须先 Load 才能读取配置
	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 在 debug 模式下，打印最终生效的配置
	if os.Getenv("DEBUG_CONFIG") == "true" || os.Getenv("ONAIR_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}
	if sanitized.JWT.Secret != "" {
		sanitized.JWT.Secret = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Chatd Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
