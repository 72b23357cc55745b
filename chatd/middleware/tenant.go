package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/onairchat/onair/pkg/keyspace"
)

const (
	// TenantIDKey 上下文中存储租户 ID 的键
	TenantIDKey = "tenant_id"
	// TenantIDHeader HTTP header 中租户 ID 的键
	TenantIDHeader = "X-Tenant-ID"
)

// RequireTenant 返回租户解析中间件。
// 租户来自 X-Tenant-ID 头（WebSocket 升级请求允许 query 参数），
// 非法租户 ID 在进入任何业务逻辑前拒绝。
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantIDHeader)
		if tenantID == "" {
			tenantID = c.Query("tenant")
		}
		if !keyspace.ValidTenantID(tenantID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":    "missing or invalid tenant id",
				"category": "invalid",
			})
			return
		}

		c.Set(TenantIDKey, tenantID)
		c.Next()
	}
}

// GetTenantID 从上下文获取租户 ID
func GetTenantID(c *gin.Context) (string, bool) {
	tenantID, exists := c.Get(TenantIDKey)
	if !exists {
		return "", false
	}
	id, ok := tenantID.(string)
	return id, ok && id != ""
}
