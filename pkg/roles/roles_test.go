package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionTable(t *testing.T) {
	t.Run("moderator可以封禁但不能改配置", func(t *testing.T) {
		assert.True(t, Can(RoleModerator, PermBanSubject))
		assert.True(t, Can(RoleModerator, PermClearChat))
		assert.False(t, Can(RoleModerator, PermManagePatterns))
		assert.False(t, Can(RoleModerator, PermManageSettings))
	})

	t.Run("普通用户无任何管理权限", func(t *testing.T) {
		for _, p := range []Permission{
			PermBanSubject, PermUnbanSubject, PermListBans, PermDeleteMessage,
			PermClearChat, PermListMessages, PermManagePatterns, PermManageSettings,
		} {
			assert.False(t, Can(RoleUser, p), string(p))
		}
	})

	t.Run("未知角色一律拒绝", func(t *testing.T) {
		assert.False(t, Valid(Role("superuser")))
		assert.False(t, Can(Role("superuser"), PermBanSubject))
	})
}

func TestCrossTenant(t *testing.T) {
	assert.True(t, CrossTenant(RoleRoot))
	assert.False(t, CrossTenant(RoleAdmin))
	assert.False(t, CrossTenant(RoleModerator))
}
