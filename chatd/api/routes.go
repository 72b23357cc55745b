package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册路由到 Gin，使用路由分组和中间件
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine, ws *WebSocket, m *Middlewares) {
	// 观众路由组：租户 + IP 限流
	viewer := router.Group("/api/v1")
	viewer.Use(m.IPBased, m.Tenant)
	{
		viewer.POST("/messages", h.PostMessage)
		viewer.POST("/private", h.PostPrivate)
		viewer.GET("/history", h.GetHistory)
		viewer.POST("/session", h.RegisterSession)
		viewer.PUT("/session/heartbeat", h.Heartbeat)
	}

	// 观众流升级：租户来自 query，长连接不走路径限流
	router.GET("/ws", m.Tenant, ws.Handle)

	// 管理登录：无令牌，单独收紧限流
	router.POST("/api/v1/admin/login", m.IPBased, h.AdminLogin)

	// 管理路由组：JWT 认证 + 租户
	admin := router.Group("/api/v1/admin")
	admin.Use(m.Admin, m.Tenant)
	{
		admin.GET("/messages", h.AdminListMessages)
		admin.DELETE("/messages/:id", h.AdminDeleteMessage)
		admin.POST("/clear", h.AdminClearMessages)

		admin.GET("/bans", h.AdminListBans)
		admin.POST("/bans", h.AdminBan)
		admin.DELETE("/bans", h.AdminUnban)

		admin.GET("/patterns", h.AdminListPatterns)
		admin.POST("/patterns", h.AdminAddPattern)
		admin.DELETE("/patterns/:id", h.AdminDeletePattern)

		admin.GET("/settings", h.AdminGetSettings)
		admin.PUT("/settings", h.AdminUpdateSettings)
	}

	// 用户管理仅 root，不绑定租户
	router.POST("/api/v1/admin/users", m.Admin, h.AdminCreateUser)
}
