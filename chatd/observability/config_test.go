package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config

	t.Run("零值配置取默认值", func(t *testing.T) {
		assert.Equal(t, "localhost:4317", cfg.Trace.GetEndpoint())
		assert.Equal(t, 1.0, cfg.Trace.GetSampler())
		assert.Equal(t, 9092, cfg.Metrics.GetPort())
		assert.Equal(t, "/metrics", cfg.Metrics.GetPath())
	})

	t.Run("显式配置优先", func(t *testing.T) {
		cfg := Config{
			Trace:   TraceConfig{Endpoint: "otel:4317", Sampler: 0.1},
			Metrics: MetricsConfig{Port: 9100, Path: "/prom"},
		}
		assert.Equal(t, "otel:4317", cfg.Trace.GetEndpoint())
		assert.Equal(t, 0.1, cfg.Trace.GetSampler())
		assert.Equal(t, 9100, cfg.Metrics.GetPort())
		assert.Equal(t, "/prom", cfg.Metrics.GetPath())
	})

	t.Run("非法采样率回退全采样", func(t *testing.T) {
		cfg := TraceConfig{Sampler: -1}
		assert.Equal(t, 1.0, cfg.GetSampler())
	})
}
