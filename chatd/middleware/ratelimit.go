package middleware

import (
	"fmt"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimitConfig 限流中间件配置。
// 这是传输层的粗粒度护栏，挡在审核层的租户级限流窗口之前，
// 保护的是进程本身而不是租户策略。
type RateLimitConfig struct {
	limiter ratelimit.Limiter
	logger  clog.Logger
}

// NewRateLimitConfig 创建限流配置
func NewRateLimitConfig(limiter ratelimit.Limiter, logger clog.Logger) *RateLimitConfig {
	return &RateLimitConfig{
		limiter: limiter,
		logger:  logger,
	}
}

// GlobalIP 全局 IP 限流中间件，所有路径共用一条规则
func (r *RateLimitConfig) GlobalIP(limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("global:ip:%s", c.ClientIP())

		allowed, err := r.limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// 降级：限流器出错时放行
			r.logger.Error("ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    "rate limit exceeded",
				"category": "rate-limited",
			})
			return
		}

		c.Next()
	}
}

// IPBased 基于路径的 IP 限流中间件。
// 不同路径有不同的限流规则，发送接口比只读接口收得更紧。
func (r *RateLimitConfig) IPBased(pathLimits map[string]ratelimit.Limit, defaultLimit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := pathLimits[c.FullPath()]
		if !ok {
			limit = defaultLimit
		}

		key := fmt.Sprintf("ip:%s:path:%s", c.ClientIP(), c.FullPath())

		allowed, err := r.limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			r.logger.Error("ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			r.logger.Warn("rate limit exceeded (IP-based)",
				clog.String("client_ip", c.ClientIP()),
				clog.String("path", c.FullPath()),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    "rate limit exceeded",
				"category": "rate-limited",
			})
			return
		}

		c.Next()
	}
}

// PredefinedRateLimits 预定义的限流规则
var PredefinedRateLimits = struct {
	// IngressIPLimits 发送与会话接口（IP 级别限流）
	IngressIPLimits map[string]ratelimit.Limit
	// DefaultLimit 默认限流规则
	DefaultLimit ratelimit.Limit
}{
	IngressIPLimits: map[string]ratelimit.Limit{
		"/api/v1/messages":          {Rate: 10, Burst: 20},
		"/api/v1/private":           {Rate: 10, Burst: 20},
		"/api/v1/session":           {Rate: 5, Burst: 10},
		"/api/v1/admin/login":       {Rate: 5, Burst: 5},
	},
	DefaultLimit: ratelimit.Limit{Rate: 50, Burst: 100},
}
