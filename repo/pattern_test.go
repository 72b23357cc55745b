package repo

import (
	"context"
	"testing"

	"github.com/onairchat/onair/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPatternRepo(t *testing.T) (PatternRepo, func()) {
	database, cleanup := setupTestContext(t)
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)

	repo, err := NewPatternRepo(database, redisConn, WithPatternRepoLogger(getTestLogger(t)))
	require.NoError(t, err)

	return repo, func() {
		repo.Close()
		cleanupRedisData(t, redisConn)
		cleanup()
	}
}

func TestPatternRepo(t *testing.T) {
	repo, cleanup := newTestPatternRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("无规则租户返回空集", func(t *testing.T) {
		patterns, err := repo.Patterns(ctx, "radio1")
		require.NoError(t, err)
		assert.Empty(t, patterns)
	})

	t.Run("新增规则立即可见", func(t *testing.T) {
		require.NoError(t, repo.Add(ctx, &model.DenyPattern{
			TenantID:  "radio1",
			Pattern:   "badsite.example",
			CreatedBy: "mod_a",
		}))

		patterns, err := repo.Patterns(ctx, "radio1")
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, "badsite.example", patterns[0].Pattern)
	})

	t.Run("空规则应拒绝", func(t *testing.T) {
		err := repo.Add(ctx, &model.DenyPattern{TenantID: "radio1"})
		assert.Error(t, err)
	})

	t.Run("跨租户规则互不可见", func(t *testing.T) {
		patterns, err := repo.Patterns(ctx, "radio2")
		require.NoError(t, err)
		assert.Empty(t, patterns)
	})

	t.Run("删除规则立即生效", func(t *testing.T) {
		patterns, err := repo.Patterns(ctx, "radio1")
		require.NoError(t, err)
		require.Len(t, patterns, 1)

		require.NoError(t, repo.Delete(ctx, "radio1", patterns[0].ID))

		patterns, err = repo.Patterns(ctx, "radio1")
		require.NoError(t, err)
		assert.Empty(t, patterns)
	})

	t.Run("删除不存在的规则应失败", func(t *testing.T) {
		err := repo.Delete(ctx, "radio1", 99999)
		assert.Error(t, err)
	})
}
