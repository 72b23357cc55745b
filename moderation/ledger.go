// Package moderation 实现发送前的准入判定与违规追踪。
//
// 判定顺序固定：先封禁后限流。两类检查对基础设施故障的态度相反：
//   - 封禁检查 fail-closed：查不到封禁状态时拒绝发送。封禁是安全边界，
//     宁可错杀一条消息，不能让被封禁者借 Redis 抖动漏网。
//   - 限流检查 fail-open：计数器不可用时放行。限流是流量保护，
//     基础设施故障时不应该把整个聊天打成只读。
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/cherr"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/repo"
	"github.com/onairchat/onair/sharedstate"
)

// Identity 一次发送行为的主体。封禁同时按 IP 和昵称判定，
// 限流和违规计数按 IP 归并（换昵称逃不掉）。
type Identity struct {
	TenantID string
	Nick     string
	IP       string
}

// Ledger 审核台账，聊天服务的准入决策点。
type Ledger interface {
	// Evaluate 判定该主体当前能否发送。拒绝时返回带类别的 PolicyDenied 错误。
	Evaluate(ctx context.Context, id Identity) error
	// RecordViolation 记录一次违规；累计越过阈值时自动封禁 IP。
	RecordViolation(ctx context.Context, id Identity, category model.ViolationCategory) error
	// Ban 手动封禁，duration 为 0 表示永久
	Ban(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject, reason, actor string, duration time.Duration) error
	// Unban 解除封禁
	Unban(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) error
	// Bans 列出租户封禁记录
	Bans(ctx context.Context, tenantID string) ([]*model.BanRecord, error)
}

// LedgerOption 配置 Ledger 的选项
type LedgerOption func(*ledger)

// WithLedgerLogger 设置日志记录器
func WithLedgerLogger(logger clog.Logger) LedgerOption {
	return func(l *ledger) {
		if logger != nil {
			l.logger = logger.WithNamespace("moderation")
		}
	}
}

type ledger struct {
	bans     repo.BanRepo
	settings repo.SettingsRepo
	state    sharedstate.Client
	logger   clog.Logger
}

// NewLedger 创建审核台账
func NewLedger(bans repo.BanRepo, settings repo.SettingsRepo, state sharedstate.Client, opts ...LedgerOption) (Ledger, error) {
	if bans == nil || settings == nil || state == nil {
		return nil, fmt.Errorf("ban repo, settings repo and state client cannot be nil")
	}

	l := &ledger{
		bans:     bans,
		settings: settings,
		state:    state,
		logger:   clog.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Evaluate 判定顺序：IP 封禁 → 昵称封禁 → 限流。
func (l *ledger) Evaluate(ctx context.Context, id Identity) error {
	ks, err := keyspace.New(id.TenantID)
	if err != nil {
		return cherr.Validationf(cherr.CategoryInvalid, "invalid tenant: %v", err)
	}

	if err := l.checkBan(ctx, id.TenantID, model.BanSubjectIP, id.IP); err != nil {
		return err
	}
	if err := l.checkBan(ctx, id.TenantID, model.BanSubjectNick, id.Nick); err != nil {
		return err
	}

	return l.checkRate(ctx, ks, id)
}

// checkBan fail-closed：封禁状态查询失败时按已封禁处理。
func (l *ledger) checkBan(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) error {
	if subject == "" {
		return nil
	}

	ban, err := l.bans.FindActive(ctx, tenantID, subjectType, subject)
	if err != nil {
		l.logger.ErrorContext(ctx, "封禁状态不可查，拒绝发送",
			clog.String("tenant_id", tenantID),
			clog.String("subject_type", string(subjectType)),
			clog.Error(err))
		return cherr.Deniedf(cherr.CategoryBanned, "ban status unavailable")
	}
	if ban != nil {
		return cherr.Deniedf(cherr.CategoryBanned, "%s is banned: %s", subjectType, ban.Reason)
	}
	return nil
}

// checkRate fail-open：计数器不可用时放行。
// 越过限额时同步记一次 rate_abuse 违规，反复撞限流会升级成自动封禁。
func (l *ledger) checkRate(ctx context.Context, ks keyspace.Keyspace, id Identity) error {
	settings, err := l.settings.Get(ctx, id.TenantID)
	if err != nil {
		l.logger.WarnContext(ctx, "租户配置不可读，使用默认限流",
			clog.String("tenant_id", id.TenantID),
			clog.Error(err))
		settings = model.DefaultTenantSettings(id.TenantID)
	}
	if settings.RateLimit <= 0 {
		return nil
	}

	key := ks.Key("rate", id.IP)
	count, err := l.state.IncrWindow(ctx, key, settings.RateWindow())
	if err != nil {
		l.logger.WarnContext(ctx, "限流计数器不可用，放行",
			clog.String("tenant_id", id.TenantID),
			clog.Error(err))
		return nil
	}

	if count <= int64(settings.RateLimit) {
		return nil
	}

	retryAfter := settings.RateWindow()
	if ttl, err := l.state.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl
	}

	if err := l.RecordViolation(ctx, id, model.ViolationRateAbuse); err != nil {
		l.logger.WarnContext(ctx, "记录限流违规失败",
			clog.String("tenant_id", id.TenantID),
			clog.Error(err))
	}

	return cherr.DeniedRetryAfter(cherr.CategoryRateLimited, retryAfter,
		"rate limit exceeded: %d messages per %s", settings.RateLimit, settings.RateWindow())
}

// RecordViolation 滑动窗口计数：每次违规刷新 TTL，
// 窗口内累计达到阈值时自动封禁 IP。
func (l *ledger) RecordViolation(ctx context.Context, id Identity, category model.ViolationCategory) error {
	if id.IP == "" {
		return nil
	}

	ks, err := keyspace.New(id.TenantID)
	if err != nil {
		return err
	}

	settings, err := l.settings.Get(ctx, id.TenantID)
	if err != nil {
		settings = model.DefaultTenantSettings(id.TenantID)
	}

	key := ks.Key("violation", string(category), id.IP)
	count, err := l.state.IncrSliding(ctx, key, settings.ViolationTTL())
	if err != nil {
		return fmt.Errorf("failed to count violation: %w", err)
	}

	l.logger.InfoContext(ctx, "记录违规",
		clog.String("tenant_id", id.TenantID),
		clog.String("category", string(category)),
		clog.String("ip", id.IP),
		clog.Int64("count", count))

	if settings.ViolationThreshold > 0 && count >= int64(settings.ViolationThreshold) {
		return l.autoBan(ctx, id, category, settings)
	}
	return nil
}

func (l *ledger) autoBan(ctx context.Context, id Identity, category model.ViolationCategory, settings *model.TenantSettings) error {
	expires := time.Now().Add(settings.AutoBanDuration())
	ban := &model.BanRecord{
		TenantID:    id.TenantID,
		SubjectType: model.BanSubjectIP,
		Subject:     id.IP,
		Reason:      fmt.Sprintf("auto ban: %s threshold reached", category),
		Actor:       model.AutoBanActor,
		ExpiresAt:   &expires,
	}
	if err := l.bans.Upsert(ctx, ban); err != nil {
		return fmt.Errorf("failed to auto ban: %w", err)
	}

	l.logger.WarnContext(ctx, "违规越过阈值，自动封禁",
		clog.String("tenant_id", id.TenantID),
		clog.String("ip", id.IP),
		clog.String("category", string(category)),
		clog.Duration("duration", settings.AutoBanDuration()))
	return nil
}

// Ban 手动封禁。BanRepo 负责同步失效判定缓存，封禁立即生效。
func (l *ledger) Ban(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject, reason, actor string, duration time.Duration) error {
	ban := &model.BanRecord{
		TenantID:    tenantID,
		SubjectType: subjectType,
		Subject:     subject,
		Reason:      reason,
		Actor:       actor,
	}
	if duration > 0 {
		expires := time.Now().Add(duration)
		ban.ExpiresAt = &expires
	}
	return l.bans.Upsert(ctx, ban)
}

// Unban 解除封禁，立即生效
func (l *ledger) Unban(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) error {
	return l.bans.Remove(ctx, tenantID, subjectType, subject)
}

// Bans 列出租户封禁记录
func (l *ledger) Bans(ctx context.Context, tenantID string) ([]*model.BanRecord, error) {
	return l.bans.List(ctx, tenantID)
}
