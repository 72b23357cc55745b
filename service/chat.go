// Package service 实现聊天核心的业务编排：发送管线与管理操作。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ceyewan/genesis/clog"
	"github.com/onairchat/onair/distributor"
	"github.com/onairchat/onair/filter"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/moderation"
	"github.com/onairchat/onair/pkg/cherr"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/repo"
	"github.com/onairchat/onair/stream"
)

// MsgIDSource 分配全局唯一且随时间递增的消息 ID
type MsgIDSource interface {
	Next() int64
}

// nickPattern 合法昵称：可见字符 1-64 位，不允许冒号（会破坏键结构）。
var nickPattern = regexp.MustCompile(`^[^\s:][^:]{0,63}$`)

// ValidNick 判断昵称是否合法，入口层在注册会话时提前拒绝
func ValidNick(nick string) bool {
	return nickPattern.MatchString(nick)
}

// PostMessageRequest 发送消息请求
type PostMessageRequest struct {
	TenantID  string
	Nick      string
	IP        string
	Body      string
	ReplyToID int64
	// AttachmentID 已上传附件的引用，正文可以为空
	AttachmentID string
	// Recipient 仅私信使用
	Recipient string
}

// ChatServiceOption 配置 ChatService 的选项
type ChatServiceOption func(*ChatService)

// WithChatLogger 设置日志记录器
func WithChatLogger(logger clog.Logger) ChatServiceOption {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger.WithNamespace("chat_service")
		}
	}
}

// ChatService 发送管线：校验 → 审核 → 过滤 → 落库 → 分发。
type ChatService struct {
	messages repo.MessageRepo
	sessions repo.SessionRepo
	settings repo.SettingsRepo
	filter   *filter.Filter
	ledger   moderation.Ledger
	pub      distributor.Publisher
	idGen    MsgIDSource
	logger   clog.Logger
}

// NewChatService 创建聊天服务
func NewChatService(
	messages repo.MessageRepo,
	sessions repo.SessionRepo,
	settings repo.SettingsRepo,
	contentFilter *filter.Filter,
	ledger moderation.Ledger,
	pub distributor.Publisher,
	idGen MsgIDSource,
	opts ...ChatServiceOption,
) (*ChatService, error) {
	if messages == nil || sessions == nil || settings == nil ||
		contentFilter == nil || ledger == nil || pub == nil || idGen == nil {
		return nil, fmt.Errorf("all dependencies are required")
	}

	s := &ChatService{
		messages: messages,
		sessions: sessions,
		settings: settings,
		filter:   contentFilter,
		ledger:   ledger,
		pub:      pub,
		idGen:    idGen,
		logger:   clog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PostPublicMessage 发送公开消息。
// 管线顺序固定：形状校验 → 准入判定 → 内容过滤 → 落库 → 分发。
// 过滤在公开模式下只改写不拦截，消息永远以过滤后的形态存储和广播。
func (s *ChatService) PostPublicMessage(ctx context.Context, req *PostMessageRequest) (*model.Message, error) {
	settings, err := s.validateShape(ctx, req)
	if err != nil {
		return nil, err
	}
	if !settings.Mode.IncludesPublic() {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "public chat is disabled for this tenant")
	}

	if err := s.ledger.Evaluate(ctx, moderation.Identity{
		TenantID: req.TenantID,
		Nick:     req.Nick,
		IP:       req.IP,
	}); err != nil {
		return nil, err
	}

	res, err := s.filter.Apply(ctx, req.TenantID, req.Body, filter.ModePublic)
	if err != nil {
		return nil, cherr.Transientf(err, "content filter unavailable")
	}

	msg := &model.Message{
		MsgID:        s.idGen.Next(),
		TenantID:     req.TenantID,
		SenderNick:   req.Nick,
		Body:         res.Filtered,
		ReplyToID:    req.ReplyToID,
		AttachmentID: req.AttachmentID,
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, cherr.Transientf(err, "failed to store message")
	}

	// 分发失败不回滚：消息已落库，下一次连接回填能看到；
	// 只有当前在线观众错过实时推送。
	frame, err := stream.NewFrame(stream.FrameMessage, &stream.MessagePayload{Message: msg})
	if err != nil {
		s.logger.ErrorContext(ctx, "构造广播帧失败",
			clog.String("tenant_id", req.TenantID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
	} else if err := s.pub.PublishJSON(ctx, req.TenantID, keyspace.ChannelPublic, frame); err != nil {
		s.logger.WarnContext(ctx, "广播消息失败",
			clog.String("tenant_id", req.TenantID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
	}

	s.logger.InfoContext(ctx, "公开消息已发送",
		clog.String("tenant_id", req.TenantID),
		clog.String("nick", req.Nick),
		clog.Int64("msg_id", msg.MsgID))
	return msg, nil
}

// PostPrivateMessage 发送私信。在公开管线之外增加两步：
// 收件人可达性判定（在线即可达）和屏蔽规则检查（命中即拒绝并记违规）。
func (s *ChatService) PostPrivateMessage(ctx context.Context, req *PostMessageRequest) (*model.Message, error) {
	settings, err := s.validateShape(ctx, req)
	if err != nil {
		return nil, err
	}
	if !settings.Mode.IncludesPrivate() {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "private chat is disabled for this tenant")
	}
	if !nickPattern.MatchString(req.Recipient) {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "invalid recipient")
	}
	if req.Recipient == req.Nick {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "cannot send private message to yourself")
	}

	id := moderation.Identity{TenantID: req.TenantID, Nick: req.Nick, IP: req.IP}
	if err := s.ledger.Evaluate(ctx, id); err != nil {
		return nil, err
	}

	online, err := s.sessions.IsOnline(ctx, req.TenantID, req.Recipient)
	if err != nil {
		return nil, cherr.Transientf(err, "failed to check recipient presence")
	}
	if !online {
		return nil, cherr.Deniedf(cherr.CategoryUnreachable, "recipient %s is not online", req.Recipient)
	}

	res, err := s.filter.Apply(ctx, req.TenantID, req.Body, filter.ModePrivate)
	if err != nil {
		return nil, cherr.Transientf(err, "content filter unavailable")
	}
	if res.Blocked {
		if rvErr := s.ledger.RecordViolation(ctx, id, model.ViolationBlockedURL); rvErr != nil {
			s.logger.WarnContext(ctx, "记录违规失败",
				clog.String("tenant_id", req.TenantID),
				clog.Error(rvErr))
		}
		return nil, cherr.Deniedf(cherr.CategoryBlocked, "message contains blocked content")
	}

	msg := &model.Message{
		MsgID:        s.idGen.Next(),
		TenantID:     req.TenantID,
		SenderNick:   req.Nick,
		Body:         res.Filtered,
		AttachmentID: req.AttachmentID,
		Private:      true,
		Recipient:    req.Recipient,
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, cherr.Transientf(err, "failed to store message")
	}

	frame, err := stream.NewFrame(stream.FramePrivate, &stream.MessagePayload{Message: msg})
	if err != nil {
		s.logger.ErrorContext(ctx, "构造私信帧失败",
			clog.String("tenant_id", req.TenantID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
	} else if err := s.publishPrivate(ctx, req.TenantID, req.Nick, req.Recipient, frame); err != nil {
		s.logger.WarnContext(ctx, "投递私信失败",
			clog.String("tenant_id", req.TenantID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
	}

	s.logger.InfoContext(ctx, "私信已发送",
		clog.String("tenant_id", req.TenantID),
		clog.String("nick", req.Nick),
		clog.String("recipient", req.Recipient),
		clog.Int64("msg_id", msg.MsgID))
	return msg, nil
}

func (s *ChatService) publishPrivate(ctx context.Context, tenantID, sender, recipient string, frame *stream.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.pub.PublishJSON(ctx, tenantID, keyspace.ChannelPrivate, &stream.PrivateEnvelope{
		Sender:    sender,
		Recipient: recipient,
		Frame:     data,
	})
}

// ListHistory 按游标拉取公开历史
func (s *ChatService) ListHistory(ctx context.Context, tenantID string, limit int, beforeID int64) ([]*model.Message, error) {
	if !keyspace.ValidTenantID(tenantID) {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "invalid tenant id")
	}

	settings, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		settings = model.DefaultTenantSettings(tenantID)
	}
	if limit <= 0 || limit > settings.GetHistoryLimit() {
		limit = settings.GetHistoryLimit()
	}

	messages, err := s.messages.RecentHistory(ctx, tenantID, limit, beforeID)
	if err != nil {
		return nil, cherr.Transientf(err, "failed to load history")
	}
	return messages, nil
}

// validateShape 形状校验：租户、昵称、正文长度。
// 校验失败是 Validation 错误，不计违规。
func (s *ChatService) validateShape(ctx context.Context, req *PostMessageRequest) (*model.TenantSettings, error) {
	if req == nil {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "request cannot be nil")
	}
	if !keyspace.ValidTenantID(req.TenantID) {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "invalid tenant id")
	}
	if !nickPattern.MatchString(req.Nick) {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "invalid nick")
	}

	body := strings.TrimSpace(req.Body)
	req.Body = body
	if body == "" && req.AttachmentID == "" {
		return nil, cherr.Validationf(cherr.CategoryInvalid, "message body cannot be empty")
	}
	if utf8.RuneCountInString(body) > filter.MaxBodyRunes {
		return nil, cherr.Validationf(cherr.CategoryTooLong, "message exceeds %d characters", filter.MaxBodyRunes)
	}

	settings, err := s.settings.Get(ctx, req.TenantID)
	if err != nil {
		settings = model.DefaultTenantSettings(req.TenantID)
	}
	return settings, nil
}
