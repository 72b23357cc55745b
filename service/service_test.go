package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/moderation"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/repo"
)

// ============================================================================
// 测试替身，chat/admin 两组用例共用
// ============================================================================

type fakeMessages struct {
	mu        sync.Mutex
	appended  []*model.Message
	deleted   []int64
	cleared   []string
	lastLimit int
}

func (f *fakeMessages) Append(ctx context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeMessages) SoftDelete(ctx context.Context, tenantID string, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeMessages) ClearAll(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, tenantID)
	return nil
}

func (f *fakeMessages) RecentHistory(ctx context.Context, tenantID string, limit int, beforeID int64) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if len(f.appended) > limit {
		return f.appended[len(f.appended)-limit:], nil
	}
	return f.appended, nil
}

func (f *fakeMessages) Get(ctx context.Context, tenantID string, msgID int64) (*model.Message, error) {
	return nil, nil
}

func (f *fakeMessages) Close() error { return nil }

func (f *fakeMessages) last() *model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appended) == 0 {
		return nil
	}
	return f.appended[len(f.appended)-1]
}

type fakeSessions struct {
	online map[string]bool
}

func (f *fakeSessions) Register(ctx context.Context, sess *model.Session) error { return nil }
func (f *fakeSessions) Heartbeat(ctx context.Context, tenantID, nick, token string) error {
	return nil
}
func (f *fakeSessions) Unregister(ctx context.Context, tenantID, nick, token string) error {
	return nil
}
func (f *fakeSessions) IsOnline(ctx context.Context, tenantID, nick string) (bool, error) {
	return f.online[nick], nil
}
func (f *fakeSessions) List(ctx context.Context, tenantID string) ([]*model.Session, error) {
	return nil, nil
}
func (f *fakeSessions) TTL() time.Duration { return 90 * time.Second }
func (f *fakeSessions) Close() error       { return nil }

type fakeSettings struct {
	settings *model.TenantSettings
	updated  *model.TenantSettings
}

func (f *fakeSettings) Get(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	if f.settings != nil {
		return f.settings, nil
	}
	return model.DefaultTenantSettings(tenantID), nil
}

func (f *fakeSettings) Update(ctx context.Context, settings *model.TenantSettings) error {
	f.updated = settings
	return nil
}

func (f *fakeSettings) Close() error { return nil }

// fakePatterns 同时充当 repo.PatternRepo 和 filter.PatternSource
type fakePatterns struct {
	patterns []*model.DenyPattern
	added    []*model.DenyPattern
	removed  []int64
}

func (f *fakePatterns) Patterns(ctx context.Context, tenantID string) ([]*model.DenyPattern, error) {
	return f.patterns, nil
}

func (f *fakePatterns) Add(ctx context.Context, pattern *model.DenyPattern) error {
	f.added = append(f.added, pattern)
	return nil
}

func (f *fakePatterns) Delete(ctx context.Context, tenantID string, id int64) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakePatterns) Close() error { return nil }

type fakeAdmins struct {
	users map[string]*model.AdminUser
}

func (f *fakeAdmins) GetByUsername(ctx context.Context, username string) (*model.AdminUser, error) {
	user, ok := f.users[username]
	if !ok {
		return nil, errNotFound
	}
	return user, nil
}

func (f *fakeAdmins) Create(ctx context.Context, user *model.AdminUser) error {
	if f.users == nil {
		f.users = make(map[string]*model.AdminUser)
	}
	f.users[user.Username] = user
	return nil
}

func (f *fakeAdmins) Close() error { return nil }

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

type publishedEvent struct {
	tenantID string
	kind     keyspace.ChannelKind
	payload  []byte
}

type fakePub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePub) Publish(ctx context.Context, tenantID string, kind keyspace.ChannelKind, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{tenantID, kind, payload})
	return nil
}

func (f *fakePub) PublishJSON(ctx context.Context, tenantID string, kind keyspace.ChannelKind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(ctx, tenantID, kind, data)
}

func (f *fakePub) published() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedEvent, len(f.events))
	copy(out, f.events)
	return out
}

// fakeLedger 可编程的准入判定
type fakeLedger struct {
	evaluateErr error
	violations  []model.ViolationCategory
	banned      []string
	unbanned    []string
}

func (f *fakeLedger) Evaluate(ctx context.Context, id moderation.Identity) error {
	return f.evaluateErr
}

func (f *fakeLedger) RecordViolation(ctx context.Context, id moderation.Identity, category model.ViolationCategory) error {
	f.violations = append(f.violations, category)
	return nil
}

func (f *fakeLedger) Ban(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject, reason, actor string, duration time.Duration) error {
	f.banned = append(f.banned, subject)
	return nil
}

func (f *fakeLedger) Unban(ctx context.Context, tenantID string, subjectType model.BanSubjectType, subject string) error {
	f.unbanned = append(f.unbanned, subject)
	return nil
}

func (f *fakeLedger) Bans(ctx context.Context, tenantID string) ([]*model.BanRecord, error) {
	return nil, nil
}

type fakeIDs struct {
	mu   sync.Mutex
	next int64
}

func (f *fakeIDs) Next() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next
}

var (
	_ repo.MessageRepo  = (*fakeMessages)(nil)
	_ repo.SessionRepo  = (*fakeSessions)(nil)
	_ repo.SettingsRepo = (*fakeSettings)(nil)
	_ repo.PatternRepo  = (*fakePatterns)(nil)
	_ repo.AdminRepo    = (*fakeAdmins)(nil)
	_ moderation.Ledger = (*fakeLedger)(nil)
	_ MsgIDSource       = (*fakeIDs)(nil)
)
