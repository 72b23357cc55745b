package repo

import (
	"context"
	"testing"
	"time"

	"github.com/onairchat/onair/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBanRepo(t *testing.T) (BanRepo, func()) {
	database, cleanup := setupTestContext(t)
	redisConn := getTestRedis(t)
	cleanupRedisData(t, redisConn)

	repo, err := NewBanRepo(database, redisConn, WithBanRepoLogger(getTestLogger(t)))
	require.NoError(t, err)

	return repo, func() {
		repo.Close()
		cleanupRedisData(t, redisConn)
		cleanup()
	}
}

func TestBanRepo_UpsertAndFind(t *testing.T) {
	repo, cleanup := newTestBanRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("封禁后立即可查", func(t *testing.T) {
		require.NoError(t, repo.Upsert(ctx, &model.BanRecord{
			TenantID:    "radio1",
			SubjectType: model.BanSubjectIP,
			Subject:     "1.2.3.4",
			Reason:      "spam",
			Actor:       "mod_a",
		}))

		ban, err := repo.FindActive(ctx, "radio1", model.BanSubjectIP, "1.2.3.4")
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, "spam", ban.Reason)
		assert.Nil(t, ban.ExpiresAt)
	})

	t.Run("未封禁主体返回nil", func(t *testing.T) {
		ban, err := repo.FindActive(ctx, "radio1", model.BanSubjectNick, "alice")
		require.NoError(t, err)
		assert.Nil(t, ban)
	})

	t.Run("重复封禁覆盖旧记录", func(t *testing.T) {
		expires := time.Now().Add(time.Hour)
		require.NoError(t, repo.Upsert(ctx, &model.BanRecord{
			TenantID:    "radio1",
			SubjectType: model.BanSubjectIP,
			Subject:     "1.2.3.4",
			Reason:      "repeat offender",
			Actor:       "mod_b",
			ExpiresAt:   &expires,
		}))

		ban, err := repo.FindActive(ctx, "radio1", model.BanSubjectIP, "1.2.3.4")
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, "repeat offender", ban.Reason)
		assert.NotNil(t, ban.ExpiresAt)
	})

	t.Run("跨租户封禁互不可见", func(t *testing.T) {
		ban, err := repo.FindActive(ctx, "radio2", model.BanSubjectIP, "1.2.3.4")
		require.NoError(t, err)
		assert.Nil(t, ban)
	})

	t.Run("缺少actor应拒绝", func(t *testing.T) {
		err := repo.Upsert(ctx, &model.BanRecord{
			TenantID:    "radio1",
			SubjectType: model.BanSubjectNick,
			Subject:     "bob",
		})
		assert.Error(t, err)
	})
}

func TestBanRepo_Expiry(t *testing.T) {
	repo, cleanup := newTestBanRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("过期封禁按不存在处理", func(t *testing.T) {
		expired := time.Now().Add(-time.Minute)
		require.NoError(t, repo.Upsert(ctx, &model.BanRecord{
			TenantID:    "radio1",
			SubjectType: model.BanSubjectNick,
			Subject:     "charlie",
			Actor:       "mod_a",
			ExpiresAt:   &expired,
		}))

		ban, err := repo.FindActive(ctx, "radio1", model.BanSubjectNick, "charlie")
		require.NoError(t, err)
		assert.Nil(t, ban)
	})

	t.Run("过期记录仍在列表中", func(t *testing.T) {
		records, err := repo.List(ctx, "radio1")
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("清理后列表为空", func(t *testing.T) {
		n, err := repo.SweepExpired(ctx, "radio1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		records, err := repo.List(ctx, "radio1")
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestBanRepo_RemoveInvalidatesImmediately(t *testing.T) {
	repo, cleanup := newTestBanRepo(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &model.BanRecord{
		TenantID:    "radio1",
		SubjectType: model.BanSubjectNick,
		Subject:     "dave",
		Actor:       "mod_a",
	}))

	// 让封禁判定进缓存
	ban, err := repo.FindActive(ctx, "radio1", model.BanSubjectNick, "dave")
	require.NoError(t, err)
	require.NotNil(t, ban)

	// 解封后下一次判定必须立即放行，不等缓存 TTL
	require.NoError(t, repo.Remove(ctx, "radio1", model.BanSubjectNick, "dave"))

	ban, err = repo.FindActive(ctx, "radio1", model.BanSubjectNick, "dave")
	require.NoError(t, err)
	assert.Nil(t, ban)
}
