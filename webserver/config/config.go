package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
)

// Config 定义 Web 模块配置（托管可嵌入聊天挂件的静态资源）
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Widget  WidgetConfig  `mapstructure:"widget"`
	Log     clog.Config   `mapstructure:"log"`
}

// ServiceConfig 基础服务配置
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"`
}

// WidgetConfig 挂件静态资源与运行时配置
type WidgetConfig struct {
	DistDir           string `mapstructure:"dist_dir"`
	IndexFile         string `mapstructure:"index_file"`
	EnableSPAFallback bool   `mapstructure:"enable_spa_fallback"`
	CacheControl      string `mapstructure:"cache_control"`

	// APIBaseURL / WSBaseURL 注入给挂件的后端地址，
	// 环境变量 ONAIR_WEB_API_BASE_URL / ONAIR_WEB_WS_BASE_URL 可覆盖
	APIBaseURL string `mapstructure:"api_base_url"`
	WSBaseURL  string `mapstructure:"ws_base_url"`
	// DefaultTenant 挂件未指定租户时的缺省租户
	DefaultTenant string `mapstructure:"default_tenant"`
}

// GetHTTPAddr 返回监听地址，默认为 :4173
func (s *ServiceConfig) GetHTTPAddr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.HTTPPort
	if port == 0 {
		port = 4173
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// GetDistDir 返回 dist 目录，默认 web/dist
func (w *WidgetConfig) GetDistDir() string {
	if w.DistDir == "" {
		return filepath.Clean("./web/dist")
	}
	return filepath.Clean(w.DistDir)
}

// GetIndexFile 返回 SPA Fallback 文件，默认 index.html
func (w *WidgetConfig) GetIndexFile() string {
	if w.IndexFile == "" {
		return "index.html"
	}
	return w.IndexFile
}

// GetCacheControl 返回静态资源缓存策略，默认 public,max-age=86400
func (w *WidgetConfig) GetCacheControl() string {
	if w.CacheControl == "" {
		return "public, max-age=86400"
	}
	return w.CacheControl
}

// GetAPIBaseURL 环境变量优先于配置文件
func (w *WidgetConfig) GetAPIBaseURL() string {
	if v := os.Getenv("ONAIR_WEB_API_BASE_URL"); v != "" {
		return v
	}
	return w.APIBaseURL
}

// GetWSBaseURL 环境变量优先于配置文件
func (w *WidgetConfig) GetWSBaseURL() string {
	if v := os.Getenv("ONAIR_WEB_WS_BASE_URL"); v != "" {
		return v
	}
	return w.WSBaseURL
}

// GetDefaultTenant 缺省 "demo"
func (w *WidgetConfig) GetDefaultTenant() string {
	if w.DefaultTenant == "" {
		return "demo"
	}
	return w.DefaultTenant
}

// Load 加载 web.yaml 配置
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "web",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "ONAIR",
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if os.Getenv("DEBUG_CONFIG") == "true" || os.Getenv("ONAIR_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// MustLoad panic on failure
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func dumpConfig(cfg *Config) {
	sanitized := *cfg
	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Web Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
