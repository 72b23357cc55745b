package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS 返回跨域中间件。聊天组件要嵌入任意站点，Origin 不做白名单，
// 凭证类头（管理令牌）由调用方显式携带。
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-Trace-ID, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Trace-ID, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
