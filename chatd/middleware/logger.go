package middleware

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/idgen"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/onairchat/onair/chatd/observability"
)

const (
	// TraceIDKey Context 中 trace_id 的键
	TraceIDKey = "trace_id"
	// TraceIDHeader HTTP header 中 trace_id 的键
	TraceIDHeader = "X-Trace-ID"
)

// Logger 返回一个请求日志中间件。
// 记录请求方法、路径、状态码、耗时、客户端 IP，并负责 trace_id 的生成和注入。
func Logger(logger clog.Logger, idGen idgen.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			traceID = idGen.NextString()
		}
		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)

		ctx := context.WithValue(c.Request.Context(), TraceIDKey, traceID)
		c.Request = c.Request.WithContext(ctx)

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("RequestID", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		observability.RecordHTTPRequest(ctx)
		observability.RecordHTTPRequestDuration(ctx, latency)
		if c.Writer.Status() >= 400 {
			observability.RecordHTTPError(ctx)
		}

		fields := []clog.Field{
			clog.String("request_id", requestID),
			clog.String("method", c.Request.Method),
			clog.String("path", path),
			clog.String("query", query),
			clog.Int("status", c.Writer.Status()),
			clog.String("client_ip", c.ClientIP()),
			clog.Duration("latency", latency),
		}

		if tenantID, exists := c.Get(TenantIDKey); exists {
			fields = append(fields, clog.String("tenant_id", tenantID.(string)))
		}

		// 使用 *Context 变体以便自动提取 Context 中的 trace_id
		switch {
		case c.Writer.Status() >= 500:
			logger.ErrorContext(ctx, "server error", fields...)
		case c.Writer.Status() >= 400:
			logger.WarnContext(ctx, "client error", fields...)
		default:
			logger.InfoContext(ctx, "request", fields...)
		}
	}
}

// SlowQueryDetector 慢查询检测中间件。
// 当请求超过指定阈值时，记录警告日志。
func SlowQueryDetector(logger clog.Logger, threshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		if latency > threshold {
			logger.Warn("slow request detected",
				clog.String("path", c.Request.URL.Path),
				clog.String("method", c.Request.Method),
				clog.Duration("latency", latency),
				clog.Int("status", c.Writer.Status()),
			)
		}
	}
}
