// Package server 包装 chatd 的 HTTP 服务。
package server

import (
	"context"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/onairchat/onair/chatd/api"
	"github.com/onairchat/onair/chatd/config"
	"github.com/onairchat/onair/pkg/health"
)

// HTTPServer HTTP 服务包装器
type HTTPServer struct {
	config      *config.Config
	logger      clog.Logger
	handler     *api.HTTPHandler
	ws          *api.WebSocket
	middlewares *api.Middlewares
	probe       *health.Probe
	server      *http.Server
}

// NewHTTPServer 创建 HTTP 服务
func NewHTTPServer(
	cfg *config.Config,
	logger clog.Logger,
	h *api.HTTPHandler,
	ws *api.WebSocket,
	m *api.Middlewares,
	probe *health.Probe,
) *HTTPServer {
	return &HTTPServer{
		config:      cfg,
		logger:      logger,
		handler:     h,
		ws:          ws,
		middlewares: m,
		probe:       probe,
	}
}

// Start 启动 HTTP 服务，阻塞到 Stop 或监听失败
func (s *HTTPServer) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// 应用中间件（CORS 必须在最前）
	router.Use(s.middlewares.CORS)
	router.Use(s.middlewares.Recovery)
	router.Use(s.middlewares.Logger)
	router.Use(s.middlewares.SlowQuery)
	router.Use(s.middlewares.GlobalIP)

	// 注册 API 路由
	s.handler.RegisterRoutes(router, s.ws, s.middlewares)

	// 健康检查
	router.GET("/health", gin.WrapF(s.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(s.probe.ReadinessHandler()))

	s.server = &http.Server{
		Addr:    s.config.GetHTTPAddr(),
		Handler: router,
	}

	s.logger.Info("http server started", clog.String("addr", s.config.GetHTTPAddr()))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
