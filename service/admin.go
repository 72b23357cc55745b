package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/onairchat/onair/distributor"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/moderation"
	"github.com/onairchat/onair/pkg/cherr"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/pkg/roles"
	"github.com/onairchat/onair/repo"
	"github.com/onairchat/onair/stream"
	"golang.org/x/crypto/bcrypt"
)

// defaultTokenTTL 管理令牌有效期
const defaultTokenTTL = 24 * time.Hour

// Claims 管理令牌声明
type Claims struct {
	Username string     `json:"username"`
	Role     roles.Role `json:"role"`
	TenantID string     `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Actor 一次管理操作的执行者，从令牌还原
type Actor struct {
	Username string
	Role     roles.Role
	TenantID string
}

// AdminServiceOption 配置 AdminService 的选项
type AdminServiceOption func(*AdminService)

// WithAdminLogger 设置日志记录器
func WithAdminLogger(logger clog.Logger) AdminServiceOption {
	return func(s *AdminService) {
		if logger != nil {
			s.logger = logger.WithNamespace("admin_service")
		}
	}
}

// WithTokenTTL 设置管理令牌有效期
func WithTokenTTL(ttl time.Duration) AdminServiceOption {
	return func(s *AdminService) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// AdminService 管理操作：登录、封禁、消息治理、规则与配置管理。
// 所有操作先过权限表，再检查租户归属（root 以外不得跨租户）。
type AdminService struct {
	admins   repo.AdminRepo
	messages repo.MessageRepo
	patterns repo.PatternRepo
	settings repo.SettingsRepo
	ledger   moderation.Ledger
	pub      distributor.Publisher
	secret   []byte
	tokenTTL time.Duration
	logger   clog.Logger
}

// NewAdminService 创建管理服务
func NewAdminService(
	admins repo.AdminRepo,
	messages repo.MessageRepo,
	patterns repo.PatternRepo,
	settings repo.SettingsRepo,
	ledger moderation.Ledger,
	pub distributor.Publisher,
	jwtSecret string,
	opts ...AdminServiceOption,
) (*AdminService, error) {
	if admins == nil || messages == nil || patterns == nil || settings == nil || ledger == nil || pub == nil {
		return nil, fmt.Errorf("all dependencies are required")
	}
	if jwtSecret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}

	s := &AdminService{
		admins:   admins,
		messages: messages,
		patterns: patterns,
		settings: settings,
		ledger:   ledger,
		pub:      pub,
		secret:   []byte(jwtSecret),
		tokenTTL: defaultTokenTTL,
		logger:   clog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login 校验凭证并签发管理令牌
func (s *AdminService) Login(ctx context.Context, username, password string) (string, *model.AdminUser, error) {
	user, err := s.admins.GetByUsername(ctx, username)
	if err != nil {
		// 不区分用户不存在和密码错误
		return "", nil, cherr.Deniedf(cherr.CategoryInvalid, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		s.logger.WarnContext(ctx, "登录失败", clog.String("username", username))
		return "", nil, cherr.Deniedf(cherr.CategoryInvalid, "invalid username or password")
	}

	now := time.Now()
	claims := &Claims{
		Username: user.Username,
		Role:     roles.Role(user.Role),
		TenantID: user.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, cherr.Transientf(err, "failed to sign token")
	}

	s.logger.InfoContext(ctx, "管理用户登录",
		clog.String("username", user.Username),
		clog.String("role", user.Role))
	return token, user, nil
}

// ValidateToken 解析并校验管理令牌
func (s *AdminService) ValidateToken(tokenString string) (*Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, cherr.Deniedf(cherr.CategoryInvalid, "invalid token")
	}
	if !roles.Valid(claims.Role) {
		return nil, cherr.Deniedf(cherr.CategoryInvalid, "unknown role")
	}
	return &Actor{
		Username: claims.Username,
		Role:     claims.Role,
		TenantID: claims.TenantID,
	}, nil
}

// CreateAdmin 创建管理用户，密码以 bcrypt 存储
func (s *AdminService) CreateAdmin(ctx context.Context, username, password string, role roles.Role, tenantID string) error {
	if !roles.Valid(role) {
		return cherr.Validationf(cherr.CategoryInvalid, "unknown role: %s", role)
	}
	if role != roles.RoleRoot && !keyspace.ValidTenantID(tenantID) {
		return cherr.Validationf(cherr.CategoryInvalid, "invalid tenant id")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.admins.Create(ctx, &model.AdminUser{
		Username: username,
		Password: string(hashed),
		Role:     string(role),
		TenantID: tenantID,
	})
}

// authorize 权限表 + 租户归属双重检查
func (s *AdminService) authorize(actor *Actor, tenantID string, perm roles.Permission) error {
	if actor == nil {
		return cherr.Deniedf(cherr.CategoryInvalid, "missing actor")
	}
	if !roles.Can(actor.Role, perm) {
		return cherr.Deniedf(cherr.CategoryInvalid, "role %s cannot %s", actor.Role, perm)
	}
	if !roles.CrossTenant(actor.Role) && actor.TenantID != tenantID {
		return cherr.Deniedf(cherr.CategoryInvalid, "cross-tenant access denied")
	}
	return nil
}

// DeleteMessage 软删除单条消息并广播 message_deleted
func (s *AdminService) DeleteMessage(ctx context.Context, actor *Actor, tenantID string, msgID int64) error {
	if err := s.authorize(actor, tenantID, roles.PermDeleteMessage); err != nil {
		return err
	}

	if err := s.messages.SoftDelete(ctx, tenantID, msgID); err != nil {
		return cherr.Transientf(err, "failed to delete message")
	}

	frame, err := stream.NewFrame(stream.FrameMessageDeleted, &stream.DeletedPayload{MsgID: msgID})
	if err != nil {
		s.logger.ErrorContext(ctx, "构造删除帧失败",
			clog.String("tenant_id", tenantID),
			clog.Int64("msg_id", msgID),
			clog.Error(err))
	} else if err := s.pub.PublishJSON(ctx, tenantID, keyspace.ChannelPublic, frame); err != nil {
		s.logger.WarnContext(ctx, "广播删除事件失败",
			clog.String("tenant_id", tenantID),
			clog.Int64("msg_id", msgID),
			clog.Error(err))
	}

	s.logger.InfoContext(ctx, "消息已删除",
		clog.String("tenant_id", tenantID),
		clog.Int64("msg_id", msgID),
		clog.String("actor", actor.Username))
	return nil
}

// ClearMessages 清空租户全部消息并广播 clear。
// 底层保证：清空与历史缓存失效同属一个操作，失败则整体报错。
func (s *AdminService) ClearMessages(ctx context.Context, actor *Actor, tenantID string) error {
	if err := s.authorize(actor, tenantID, roles.PermClearChat); err != nil {
		return err
	}

	if err := s.messages.ClearAll(ctx, tenantID); err != nil {
		return cherr.Transientf(err, "failed to clear messages")
	}

	frame, err := stream.NewFrame(stream.FrameClear, &stream.ClearPayload{ClearedAt: time.Now().UTC()})
	if err != nil {
		s.logger.ErrorContext(ctx, "构造清空帧失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
	} else if err := s.pub.PublishJSON(ctx, tenantID, keyspace.ChannelPublic, frame); err != nil {
		s.logger.WarnContext(ctx, "广播清空事件失败",
			clog.String("tenant_id", tenantID),
			clog.Error(err))
	}

	s.logger.InfoContext(ctx, "聊天已清空",
		clog.String("tenant_id", tenantID),
		clog.String("actor", actor.Username))
	return nil
}

// ListMessages 管理端按游标拉取消息（含软删除行不可见，与观众一致）
func (s *AdminService) ListMessages(ctx context.Context, actor *Actor, tenantID string, limit int, beforeID int64) ([]*model.Message, error) {
	if err := s.authorize(actor, tenantID, roles.PermListMessages); err != nil {
		return nil, err
	}
	messages, err := s.messages.RecentHistory(ctx, tenantID, limit, beforeID)
	if err != nil {
		return nil, cherr.Transientf(err, "failed to list messages")
	}
	return messages, nil
}

// BanSubject 手动封禁
func (s *AdminService) BanSubject(ctx context.Context, actor *Actor, tenantID string, subjectType model.BanSubjectType, subject, reason string, duration time.Duration) error {
	if err := s.authorize(actor, tenantID, roles.PermBanSubject); err != nil {
		return err
	}
	if subjectType != model.BanSubjectIP && subjectType != model.BanSubjectNick {
		return cherr.Validationf(cherr.CategoryInvalid, "unknown subject type: %s", subjectType)
	}
	if subject == "" {
		return cherr.Validationf(cherr.CategoryInvalid, "subject cannot be empty")
	}

	if err := s.ledger.Ban(ctx, tenantID, subjectType, subject, reason, actor.Username, duration); err != nil {
		return cherr.Transientf(err, "failed to ban subject")
	}
	return nil
}

// UnbanSubject 解除封禁
func (s *AdminService) UnbanSubject(ctx context.Context, actor *Actor, tenantID string, subjectType model.BanSubjectType, subject string) error {
	if err := s.authorize(actor, tenantID, roles.PermUnbanSubject); err != nil {
		return err
	}
	if err := s.ledger.Unban(ctx, tenantID, subjectType, subject); err != nil {
		return cherr.Transientf(err, "failed to unban subject")
	}
	return nil
}

// ListBans 列出封禁记录
func (s *AdminService) ListBans(ctx context.Context, actor *Actor, tenantID string) ([]*model.BanRecord, error) {
	if err := s.authorize(actor, tenantID, roles.PermListBans); err != nil {
		return nil, err
	}
	bans, err := s.ledger.Bans(ctx, tenantID)
	if err != nil {
		return nil, cherr.Transientf(err, "failed to list bans")
	}
	return bans, nil
}

// AddPattern 新增屏蔽规则
func (s *AdminService) AddPattern(ctx context.Context, actor *Actor, tenantID, pattern string, isRegex bool) error {
	if err := s.authorize(actor, tenantID, roles.PermManagePatterns); err != nil {
		return err
	}
	if pattern == "" {
		return cherr.Validationf(cherr.CategoryInvalid, "pattern cannot be empty")
	}

	if err := s.patterns.Add(ctx, &model.DenyPattern{
		TenantID:  tenantID,
		Pattern:   pattern,
		IsRegex:   isRegex,
		CreatedBy: actor.Username,
	}); err != nil {
		return cherr.Transientf(err, "failed to add pattern")
	}
	return nil
}

// DeletePattern 删除屏蔽规则
func (s *AdminService) DeletePattern(ctx context.Context, actor *Actor, tenantID string, id int64) error {
	if err := s.authorize(actor, tenantID, roles.PermManagePatterns); err != nil {
		return err
	}
	if err := s.patterns.Delete(ctx, tenantID, id); err != nil {
		return cherr.Transientf(err, "failed to delete pattern")
	}
	return nil
}

// ListPatterns 列出屏蔽规则
func (s *AdminService) ListPatterns(ctx context.Context, actor *Actor, tenantID string) ([]*model.DenyPattern, error) {
	if err := s.authorize(actor, tenantID, roles.PermManagePatterns); err != nil {
		return nil, err
	}
	patterns, err := s.patterns.Patterns(ctx, tenantID)
	if err != nil {
		return nil, cherr.Transientf(err, "failed to list patterns")
	}
	return patterns, nil
}

// GetSettings 获取租户配置
func (s *AdminService) GetSettings(ctx context.Context, actor *Actor, tenantID string) (*model.TenantSettings, error) {
	if err := s.authorize(actor, tenantID, roles.PermManageSettings); err != nil {
		return nil, err
	}
	settings, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, cherr.Transientf(err, "failed to get settings")
	}
	return settings, nil
}

// UpdateSettings 更新租户配置，变更通过 config 帧即时广播给在线观众
func (s *AdminService) UpdateSettings(ctx context.Context, actor *Actor, settings *model.TenantSettings) error {
	if settings == nil {
		return cherr.Validationf(cherr.CategoryInvalid, "settings cannot be nil")
	}
	if err := s.authorize(actor, settings.TenantID, roles.PermManageSettings); err != nil {
		return err
	}

	if err := s.settings.Update(ctx, settings); err != nil {
		return cherr.Transientf(err, "failed to update settings")
	}

	frame, err := stream.NewFrame(stream.FrameConfig, &stream.ConfigPayload{
		Mode:         settings.Mode,
		HistoryLimit: settings.GetHistoryLimit(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "构造配置帧失败",
			clog.String("tenant_id", settings.TenantID),
			clog.Error(err))
	} else if err := s.pub.PublishJSON(ctx, settings.TenantID, keyspace.ChannelPresence, frame); err != nil {
		s.logger.WarnContext(ctx, "广播配置变更失败",
			clog.String("tenant_id", settings.TenantID),
			clog.Error(err))
	}
	return nil
}
