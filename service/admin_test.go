package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/cherr"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/pkg/roles"
	"github.com/onairchat/onair/stream"
)

const testJWTSecret = "test-secret-0123456789"

type adminFixture struct {
	svc      *AdminService
	admins   *fakeAdmins
	messages *fakeMessages
	patterns *fakePatterns
	settings *fakeSettings
	ledger   *fakeLedger
	pub      *fakePub
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	f := &adminFixture{
		admins:   &fakeAdmins{users: map[string]*model.AdminUser{}},
		messages: &fakeMessages{},
		patterns: &fakePatterns{},
		settings: &fakeSettings{},
		ledger:   &fakeLedger{},
		pub:      &fakePub{},
	}
	svc, err := NewAdminService(
		f.admins, f.messages, f.patterns, f.settings,
		f.ledger, f.pub, testJWTSecret,
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// seedAdmin 写入一个 bcrypt 密码的管理用户
func (f *adminFixture) seedAdmin(t *testing.T, username, password string, role roles.Role, tenantID string) {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	f.admins.users[username] = &model.AdminUser{
		Username: username,
		Password: string(hashed),
		Role:     string(role),
		TenantID: tenantID,
	}
}

func demoAdmin() *Actor {
	return &Actor{Username: "boss", Role: roles.RoleAdmin, TenantID: "demo"}
}

func TestAdminService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("正确凭证签发令牌", func(t *testing.T) {
		f := newAdminFixture(t)
		f.seedAdmin(t, "boss", "s3cret", roles.RoleAdmin, "demo")

		token, user, err := f.svc.Login(ctx, "boss", "s3cret")
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.Equal(t, "boss", user.Username)
	})

	t.Run("密码错误拒绝", func(t *testing.T) {
		f := newAdminFixture(t)
		f.seedAdmin(t, "boss", "s3cret", roles.RoleAdmin, "demo")

		_, _, err := f.svc.Login(ctx, "boss", "wrong")
		require.Error(t, err)
		assert.True(t, cherr.IsDenied(err))
	})

	t.Run("用户不存在与密码错误不可区分", func(t *testing.T) {
		f := newAdminFixture(t)
		f.seedAdmin(t, "boss", "s3cret", roles.RoleAdmin, "demo")

		_, _, errMissing := f.svc.Login(ctx, "nobody", "s3cret")
		_, _, errWrong := f.svc.Login(ctx, "boss", "wrong")
		require.Error(t, errMissing)
		require.Error(t, errWrong)
		assert.Equal(t, errMissing.Error(), errWrong.Error())
	})
}

func TestAdminService_ValidateToken(t *testing.T) {
	ctx := context.Background()

	t.Run("令牌往返还原执行者", func(t *testing.T) {
		f := newAdminFixture(t)
		f.seedAdmin(t, "mod", "pw", roles.RoleModerator, "demo")

		token, _, err := f.svc.Login(ctx, "mod", "pw")
		require.NoError(t, err)

		actor, err := f.svc.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "mod", actor.Username)
		assert.Equal(t, roles.RoleModerator, actor.Role)
		assert.Equal(t, "demo", actor.TenantID)
	})

	t.Run("篡改令牌拒绝", func(t *testing.T) {
		f := newAdminFixture(t)
		f.seedAdmin(t, "mod", "pw", roles.RoleModerator, "demo")

		token, _, err := f.svc.Login(ctx, "mod", "pw")
		require.NoError(t, err)

		_, err = f.svc.ValidateToken(token + "x")
		require.Error(t, err)
		assert.True(t, cherr.IsDenied(err))
	})

	t.Run("不同密钥签发的令牌拒绝", func(t *testing.T) {
		f := newAdminFixture(t)
		f.seedAdmin(t, "mod", "pw", roles.RoleModerator, "demo")

		other, err := NewAdminService(
			f.admins, f.messages, f.patterns, f.settings,
			f.ledger, f.pub, "another-secret-entirely",
		)
		require.NoError(t, err)

		token, _, err := other.Login(ctx, "mod", "pw")
		require.NoError(t, err)

		_, err = f.svc.ValidateToken(token)
		require.Error(t, err)
	})
}

func TestAdminService_Authorize(t *testing.T) {
	ctx := context.Background()

	t.Run("审核员不能管理屏蔽规则", func(t *testing.T) {
		f := newAdminFixture(t)
		mod := &Actor{Username: "mod", Role: roles.RoleModerator, TenantID: "demo"}

		err := f.svc.AddPattern(ctx, mod, "demo", "evil.com", false)
		require.Error(t, err)
		assert.True(t, cherr.IsDenied(err))
		assert.Empty(t, f.patterns.added)
	})

	t.Run("租户管理员不能跨租户", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.DeleteMessage(ctx, demoAdmin(), "other-tenant", 1)
		require.Error(t, err)
		assert.True(t, cherr.IsDenied(err))
		assert.Empty(t, f.messages.deleted)
	})

	t.Run("root可以跨租户", func(t *testing.T) {
		f := newAdminFixture(t)
		root := &Actor{Username: "root", Role: roles.RoleRoot}

		require.NoError(t, f.svc.DeleteMessage(ctx, root, "any-tenant", 7))
		assert.Equal(t, []int64{7}, f.messages.deleted)
	})

	t.Run("普通用户无任何管理权限", func(t *testing.T) {
		f := newAdminFixture(t)
		user := &Actor{Username: "u", Role: roles.RoleUser, TenantID: "demo"}

		_, err := f.svc.ListBans(ctx, user, "demo")
		require.Error(t, err)
		assert.True(t, cherr.IsDenied(err))
	})
}

func TestAdminService_DeleteMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("删除后广播message_deleted", func(t *testing.T) {
		f := newAdminFixture(t)

		require.NoError(t, f.svc.DeleteMessage(ctx, demoAdmin(), "demo", 42))
		assert.Equal(t, []int64{42}, f.messages.deleted)

		events := f.pub.published()
		require.Len(t, events, 1)
		assert.Equal(t, keyspace.ChannelPublic, events[0].kind)

		var frame stream.Frame
		require.NoError(t, json.Unmarshal(events[0].payload, &frame))
		assert.Equal(t, stream.FrameMessageDeleted, frame.Type)

		var payload stream.DeletedPayload
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		assert.Equal(t, int64(42), payload.MsgID)
	})
}

func TestAdminService_ClearMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("清空后广播clear并携带时间戳", func(t *testing.T) {
		f := newAdminFixture(t)

		before := time.Now().UTC()
		require.NoError(t, f.svc.ClearMessages(ctx, demoAdmin(), "demo"))
		after := time.Now().UTC()
		assert.Equal(t, []string{"demo"}, f.messages.cleared)

		events := f.pub.published()
		require.Len(t, events, 1)

		var frame stream.Frame
		require.NoError(t, json.Unmarshal(events[0].payload, &frame))
		assert.Equal(t, stream.FrameClear, frame.Type)

		// 客户端靠 cleared_at 丢弃本地缓存，时间戳必须落在调用区间内
		var payload stream.ClearPayload
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		assert.False(t, payload.ClearedAt.Before(before))
		assert.False(t, payload.ClearedAt.After(after))
	})
}

func TestAdminService_BanSubject(t *testing.T) {
	ctx := context.Background()

	t.Run("正常封禁", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.BanSubject(ctx, demoAdmin(), "demo", model.BanSubjectNick, "troll", "spamming", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"troll"}, f.ledger.banned)
	})

	t.Run("未知对象类型拒绝", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.BanSubject(ctx, demoAdmin(), "demo", "email", "x@y", "", 0)
		require.Error(t, err)
		assert.True(t, cherr.IsValidation(err))
		assert.Empty(t, f.ledger.banned)
	})

	t.Run("空对象拒绝", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.BanSubject(ctx, demoAdmin(), "demo", model.BanSubjectIP, "", "", 0)
		require.Error(t, err)
		assert.True(t, cherr.IsValidation(err))
	})

	t.Run("解除封禁", func(t *testing.T) {
		f := newAdminFixture(t)

		require.NoError(t, f.svc.UnbanSubject(ctx, demoAdmin(), "demo", model.BanSubjectNick, "troll"))
		assert.Equal(t, []string{"troll"}, f.ledger.unbanned)
	})
}

func TestAdminService_Patterns(t *testing.T) {
	ctx := context.Background()

	t.Run("新增规则记录创建者", func(t *testing.T) {
		f := newAdminFixture(t)

		require.NoError(t, f.svc.AddPattern(ctx, demoAdmin(), "demo", "evil.com", false))
		require.Len(t, f.patterns.added, 1)
		assert.Equal(t, "boss", f.patterns.added[0].CreatedBy)
	})

	t.Run("空规则拒绝", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.AddPattern(ctx, demoAdmin(), "demo", "", false)
		require.Error(t, err)
		assert.True(t, cherr.IsValidation(err))
	})

	t.Run("删除规则", func(t *testing.T) {
		f := newAdminFixture(t)

		require.NoError(t, f.svc.DeletePattern(ctx, demoAdmin(), "demo", 3))
		assert.Equal(t, []int64{3}, f.patterns.removed)
	})
}

func TestAdminService_UpdateSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("更新后向在线观众广播config", func(t *testing.T) {
		f := newAdminFixture(t)
		settings := model.DefaultTenantSettings("demo")
		settings.Mode = model.ChatModePublic
		settings.HistoryLimit = 100

		require.NoError(t, f.svc.UpdateSettings(ctx, demoAdmin(), settings))
		assert.Equal(t, settings, f.settings.updated)

		events := f.pub.published()
		require.Len(t, events, 1)
		assert.Equal(t, keyspace.ChannelPresence, events[0].kind)

		var frame stream.Frame
		require.NoError(t, json.Unmarshal(events[0].payload, &frame))
		assert.Equal(t, stream.FrameConfig, frame.Type)

		var payload stream.ConfigPayload
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		assert.Equal(t, model.ChatModePublic, payload.Mode)
		assert.Equal(t, 100, payload.HistoryLimit)
	})
}

func TestAdminService_CreateAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("密码以bcrypt存储", func(t *testing.T) {
		f := newAdminFixture(t)

		require.NoError(t, f.svc.CreateAdmin(ctx, "newmod", "plain-pw", roles.RoleModerator, "demo"))
		stored := f.admins.users["newmod"]
		require.NotNil(t, stored)
		assert.NotEqual(t, "plain-pw", stored.Password)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("plain-pw")))
	})

	t.Run("非法角色拒绝", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.CreateAdmin(ctx, "x", "pw", "superuser", "demo")
		require.Error(t, err)
		assert.True(t, cherr.IsValidation(err))
	})

	t.Run("非root必须归属租户", func(t *testing.T) {
		f := newAdminFixture(t)

		err := f.svc.CreateAdmin(ctx, "x", "pw", roles.RoleAdmin, "")
		require.Error(t, err)
		assert.True(t, cherr.IsValidation(err))
	})
}
