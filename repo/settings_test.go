package repo

import (
	"context"
	"testing"

	"github.com/onairchat/onair/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettingsRepo(t *testing.T) (SettingsRepo, func()) {
	database, cleanup := setupTestContext(t)
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)

	repo, err := NewSettingsRepo(database, redisConn, WithSettingsRepoLogger(getTestLogger(t)))
	require.NoError(t, err)

	return repo, func() {
		repo.Close()
		cleanupRedisData(t, redisConn)
		cleanup()
	}
}

func TestSettingsRepo(t *testing.T) {
	repo, cleanup := newTestSettingsRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("新租户返回默认配置", func(t *testing.T) {
		settings, err := repo.Get(ctx, "radio1")
		require.NoError(t, err)
		assert.Equal(t, model.ChatModeBoth, settings.Mode)
		assert.Equal(t, 5, settings.RateLimit)
		assert.Equal(t, 3, settings.ViolationThreshold)
		assert.Equal(t, 50, settings.GetHistoryLimit())
	})

	t.Run("更新后立即读到新值", func(t *testing.T) {
		settings := model.DefaultTenantSettings("radio1")
		settings.Mode = model.ChatModePublic
		settings.RateLimit = 10
		require.NoError(t, repo.Update(ctx, settings))

		got, err := repo.Get(ctx, "radio1")
		require.NoError(t, err)
		assert.Equal(t, model.ChatModePublic, got.Mode)
		assert.Equal(t, 10, got.RateLimit)
	})

	t.Run("其他租户不受影响", func(t *testing.T) {
		got, err := repo.Get(ctx, "radio2")
		require.NoError(t, err)
		assert.Equal(t, model.ChatModeBoth, got.Mode)
	})
}
