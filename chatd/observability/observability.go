// Package observability 提供 chatd 服务的可观测性支持，
// 包括 Trace（分布式追踪）和 Metrics（指标收集）。
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const (
	// ServiceName 服务名称
	ServiceName = "onair-chatd"

	// TracerName Tracer 名称
	TracerName = "chatd"
)

var (
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 业务指标 - 观众流
	streamConnectionsActive metrics.Gauge
	streamConnectionsTotal  metrics.Counter

	// 业务指标 - 发送管线
	messagesPostedTotal metrics.Counter
	messagesDeniedTotal metrics.Counter

	// 业务指标 - HTTP
	httpRequestsTotal   metrics.Counter
	httpRequestDuration metrics.Histogram
	httpErrorsTotal     metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	if shutdown != nil {
		return shutdown(ctx)
	}
	if meter != nil {
		return meter.Shutdown(ctx)
	}
	return nil
}

// initTrace 初始化 Trace
func initTrace(cfg *Config) (func(context.Context) error, error) {
	if cfg.Trace.Disable {
		// 禁用上报时仍然生成 TraceID，日志关联不受影响
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		return tp.Shutdown, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Trace.GetEndpoint()),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Trace.GetSampler()))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// initMetrics 初始化 Metrics
func initMetrics(cfg *Config) (metrics.Meter, error) {
	return metrics.New(&metrics.Config{
		ServiceName:   ServiceName,
		Port:          cfg.Metrics.GetPort(),
		Path:          cfg.Metrics.GetPath(),
		EnableRuntime: cfg.Metrics.EnableRuntime,
	})
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	streamConnectionsActive, _ = meter.Gauge(
		"chatd_stream_connections_active",
		"Current number of active viewer stream connections",
	)

	streamConnectionsTotal, _ = meter.Counter(
		"chatd_stream_connections_total",
		"Total number of viewer stream connections established",
	)

	messagesPostedTotal, _ = meter.Counter(
		"chatd_messages_posted_total",
		"Total number of messages accepted by the send pipeline",
	)

	messagesDeniedTotal, _ = meter.Counter(
		"chatd_messages_denied_total",
		"Total number of messages rejected by moderation",
	)

	httpRequestsTotal, _ = meter.Counter(
		"chatd_http_requests_total",
		"Total number of HTTP requests",
	)

	httpRequestDuration, _ = meter.Histogram(
		"chatd_http_request_duration_seconds",
		"HTTP request latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}),
	)

	httpErrorsTotal, _ = meter.Counter(
		"chatd_http_errors_total",
		"Total number of HTTP errors",
	)
}

// ============================================================================
// Metrics 记录函数
// ============================================================================

// SetStreamConnectionsActive 设置当前活跃的流连接数
func SetStreamConnectionsActive(ctx context.Context, count int) {
	if streamConnectionsActive != nil {
		streamConnectionsActive.Set(ctx, float64(count))
	}
}

// RecordStreamConnectionEstablished 记录新建流连接
func RecordStreamConnectionEstablished(ctx context.Context) {
	if streamConnectionsTotal != nil {
		streamConnectionsTotal.Inc(ctx)
	}
}

// RecordMessagePosted 记录发送管线放行的消息
func RecordMessagePosted(ctx context.Context, labels ...metrics.Label) {
	if messagesPostedTotal != nil {
		messagesPostedTotal.Inc(ctx, labels...)
	}
}

// RecordMessageDenied 记录被审核拒绝的消息
func RecordMessageDenied(ctx context.Context, labels ...metrics.Label) {
	if messagesDeniedTotal != nil {
		messagesDeniedTotal.Inc(ctx, labels...)
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(ctx context.Context) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.Inc(ctx)
	}
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if httpRequestDuration != nil {
		httpRequestDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordHTTPError 记录 HTTP 错误
func RecordHTTPError(ctx context.Context, labels ...metrics.Label) {
	if httpErrorsTotal != nil {
		httpErrorsTotal.Inc(ctx, labels...)
	}
}

// ============================================================================
// Logger 创建辅助函数
// ============================================================================

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}
