package observability

const (
	defaultTraceEndpoint = "localhost:4317"
	defaultTraceSampler  = 1.0
	defaultMetricsPort   = 9092
	defaultMetricsPath   = "/metrics"
)

// Config 可观测性配置。零值可用：Trace 全采样上报本机 collector，
// Metrics 暴露在 9092 端口。
type Config struct {
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig 链路追踪配置
type TraceConfig struct {
	// Disable 禁用上报。TraceID 仍会生成，日志关联不受影响
	Disable bool `mapstructure:"disable"`
	// Endpoint OTLP gRPC 端点
	Endpoint string `mapstructure:"endpoint"`
	// Insecure 不走 TLS，本地和内网 collector 用
	Insecure bool `mapstructure:"insecure"`
	// Sampler 采样率（0-1]，0 视为未设置
	Sampler float64 `mapstructure:"sampler"`
}

// GetEndpoint 返回 OTLP 端点，未设置时用本机默认端口。
func (c *TraceConfig) GetEndpoint() string {
	if c.Endpoint == "" {
		return defaultTraceEndpoint
	}
	return c.Endpoint
}

// GetSampler 返回采样率，未设置时全采样。
func (c *TraceConfig) GetSampler() float64 {
	if c.Sampler <= 0 {
		return defaultTraceSampler
	}
	return c.Sampler
}

// MetricsConfig 指标收集配置
type MetricsConfig struct {
	// Port Prometheus 暴露端口
	Port int `mapstructure:"port"`
	// Path 抓取路径
	Path string `mapstructure:"path"`
	// EnableRuntime 采集 Go 运行时指标
	EnableRuntime bool `mapstructure:"enable_runtime"`
}

// GetPort 返回指标端口，未设置时用默认端口。
func (c *MetricsConfig) GetPort() int {
	if c.Port <= 0 {
		return defaultMetricsPort
	}
	return c.Port
}

// GetPath 返回抓取路径，未设置时用 /metrics。
func (c *MetricsConfig) GetPath() string {
	if c.Path == "" {
		return defaultMetricsPath
	}
	return c.Path
}
