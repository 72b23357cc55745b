package api

import (
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/onairchat/onair/chatd/middleware"
)

// Middlewares HTTP 中间件集合
type Middlewares struct {
	CORS      gin.HandlerFunc
	Recovery  gin.HandlerFunc
	Logger    gin.HandlerFunc
	SlowQuery gin.HandlerFunc
	GlobalIP  gin.HandlerFunc
	IPBased   gin.HandlerFunc
	Tenant    gin.HandlerFunc
	Admin     gin.HandlerFunc
}

// NewMiddlewares 创建所有 HTTP 中间件
func NewMiddlewares(
	logger clog.Logger,
	limiter ratelimit.Limiter,
	idGen idgen.Generator,
	validator middleware.TokenValidator,
) *Middlewares {
	rateLimitCfg := middleware.NewRateLimitConfig(limiter, logger)
	authCfg := middleware.NewAuthConfig(validator, logger)

	return &Middlewares{
		CORS:      middleware.CORS(),
		Recovery:  middleware.Recovery(logger),
		Logger:    middleware.Logger(logger, idGen),
		SlowQuery: middleware.SlowQueryDetector(logger, 2*time.Second),
		GlobalIP:  rateLimitCfg.GlobalIP(ratelimit.Limit{Rate: 1000, Burst: 2000}),
		IPBased: rateLimitCfg.IPBased(
			middleware.PredefinedRateLimits.IngressIPLimits,
			middleware.PredefinedRateLimits.DefaultLimit,
		),
		Tenant: middleware.RequireTenant(),
		Admin:  authCfg.RequireAdmin(),
	}
}
