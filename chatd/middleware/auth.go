package middleware

import (
	"net/http"
	"strings"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/onairchat/onair/service"
)

const (
	// ActorKey 上下文中存储管理执行者的键
	ActorKey = "actor"
)

// TokenValidator 管理令牌校验器，由 AdminService 实现
type TokenValidator interface {
	ValidateToken(tokenString string) (*service.Actor, error)
}

// AuthConfig 管理端认证中间件配置
type AuthConfig struct {
	validator TokenValidator
	logger    clog.Logger
}

// NewAuthConfig 创建认证配置
func NewAuthConfig(validator TokenValidator, logger clog.Logger) *AuthConfig {
	return &AuthConfig{
		validator: validator,
		logger:    logger,
	}
}

// RequireAdmin 返回管理端认证中间件。
// 从 Authorization 头（Bearer）或查询参数提取令牌并还原执行者，
// 权限与租户归属的细粒度检查留给 AdminService 的各个操作。
func (a *AuthConfig) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "" {
			if strings.HasPrefix(token, "Bearer ") {
				token = strings.TrimPrefix(token, "Bearer ")
			}
		} else {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing token",
			})
			return
		}

		actor, err := a.validator.ValidateToken(token)
		if err != nil {
			a.logger.Warn("admin authentication failed",
				clog.String("client_ip", c.ClientIP()),
				clog.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		c.Set(ActorKey, actor)
		c.Next()
	}
}

// GetActor 从上下文获取管理执行者
func GetActor(c *gin.Context) (*service.Actor, bool) {
	v, exists := c.Get(ActorKey)
	if !exists {
		return nil, false
	}
	actor, ok := v.(*service.Actor)
	return actor, ok
}
