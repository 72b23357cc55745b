// Package api 实现 chatd 的 HTTP 入口：发送、历史、会话、管理接口与观众流升级。
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/onairchat/onair/chatd/middleware"
	"github.com/onairchat/onair/chatd/observability"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/cherr"
	"github.com/onairchat/onair/pkg/roles"
	"github.com/onairchat/onair/repo"
	"github.com/onairchat/onair/service"
)

// HTTPHandler 聚合所有 HTTP 处理器
type HTTPHandler struct {
	chat     *service.ChatService
	admin    *service.AdminService
	sessions repo.SessionRepo
	logger   clog.Logger
}

// NewHTTPHandler 创建 HTTP 处理器
func NewHTTPHandler(chat *service.ChatService, admin *service.AdminService, sessions repo.SessionRepo, logger clog.Logger) *HTTPHandler {
	return &HTTPHandler{
		chat:     chat,
		admin:    admin,
		sessions: sessions,
		logger:   logger.WithNamespace("api"),
	}
}

// writeError 将分类错误映射为 HTTP 响应。
// 响应体固定 {error, category, retry_after?}，客户端据此决定重试策略。
func writeError(c *gin.Context, err error) {
	category := cherr.CategoryOf(err)
	body := gin.H{
		"error":    err.Error(),
		"category": string(category),
	}
	if retryAfter := cherr.RetryAfterOf(err); retryAfter > 0 {
		seconds := int(retryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		body["retry_after"] = seconds
		c.Header("Retry-After", strconv.Itoa(seconds))
	}

	var status int
	switch cherr.KindOf(err) {
	case cherr.KindValidation:
		status = http.StatusBadRequest
	case cherr.KindPolicyDenied:
		if category == cherr.CategoryRateLimited {
			status = http.StatusTooManyRequests
		} else {
			status = http.StatusForbidden
		}
	case cherr.KindTransient:
		// 暂时性故障不向客户端泄露细节
		status = http.StatusServiceUnavailable
		body["error"] = "service temporarily unavailable"
	default:
		status = http.StatusInternalServerError
		body["error"] = "internal server error"
	}

	c.JSON(status, body)
}

// ============================================================================
// 观众接口
// ============================================================================

type postMessageRequest struct {
	Nick         string `json:"nick" binding:"required"`
	Body         string `json:"body"`
	ReplyToID    int64  `json:"reply_to,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// PostMessage 发送公开消息
func (h *HTTPHandler) PostMessage(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	msg, err := h.chat.PostPublicMessage(c.Request.Context(), &service.PostMessageRequest{
		TenantID:     tenantID,
		Nick:         req.Nick,
		IP:           c.ClientIP(),
		Body:         req.Body,
		ReplyToID:    req.ReplyToID,
		AttachmentID: req.AttachmentID,
	})
	if err != nil {
		if cherr.IsDenied(err) {
			observability.RecordMessageDenied(c.Request.Context())
		}
		writeError(c, err)
		return
	}

	observability.RecordMessagePosted(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

type postPrivateRequest struct {
	Nick         string `json:"nick" binding:"required"`
	To           string `json:"to" binding:"required"`
	Body         string `json:"body"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// PostPrivate 发送私信
func (h *HTTPHandler) PostPrivate(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)

	var req postPrivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	msg, err := h.chat.PostPrivateMessage(c.Request.Context(), &service.PostMessageRequest{
		TenantID:     tenantID,
		Nick:         req.Nick,
		IP:           c.ClientIP(),
		Body:         req.Body,
		AttachmentID: req.AttachmentID,
		Recipient:    req.To,
	})
	if err != nil {
		if cherr.IsDenied(err) {
			observability.RecordMessageDenied(c.Request.Context())
		}
		writeError(c, err)
		return
	}

	observability.RecordMessagePosted(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// GetHistory 按游标拉取公开历史
func (h *HTTPHandler) GetHistory(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	beforeID, _ := strconv.ParseInt(c.DefaultQuery("before_id", "0"), 10, 64)

	messages, err := h.chat.ListHistory(c.Request.Context(), tenantID, limit, beforeID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type registerSessionRequest struct {
	Nick string `json:"nick" binding:"required"`
}

// RegisterSession 注册观众会话，返回会话令牌。
// 同一昵称允许多个并发会话（多标签页），令牌区分各个会话。
func (h *HTTPHandler) RegisterSession(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)

	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}
	if !service.ValidNick(req.Nick) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nick", "category": "invalid"})
		return
	}

	token := uuid.New().String()
	if err := h.sessions.Register(c.Request.Context(), &model.Session{
		TenantID: tenantID,
		Nick:     req.Nick,
		Token:    token,
		RemoteIP: c.ClientIP(),
	}); err != nil {
		writeError(c, cherr.Transientf(err, "failed to register session"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"ttl_sec": int(h.sessions.TTL() / time.Second),
	})
}

type heartbeatRequest struct {
	Nick  string `json:"nick" binding:"required"`
	Token string `json:"token" binding:"required"`
}

// Heartbeat 刷新会话存活时间。会话已过期时返回 404，客户端应重新注册。
func (h *HTTPHandler) Heartbeat(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	if err := h.sessions.Heartbeat(c.Request.Context(), tenantID, req.Nick, req.Token); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session expired", "category": "invalid"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ttl_sec": int(h.sessions.TTL() / time.Second)})
}

// ============================================================================
// 管理接口
// ============================================================================

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AdminLogin 管理用户登录
func (h *HTTPHandler) AdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	token, user, err := h.admin.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  user,
	})
}

// AdminListMessages 管理端按游标拉取消息
func (h *HTTPHandler) AdminListMessages(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	beforeID, _ := strconv.ParseInt(c.DefaultQuery("before_id", "0"), 10, 64)

	messages, err := h.admin.ListMessages(c.Request.Context(), actor, tenantID, limit, beforeID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// AdminDeleteMessage 软删除单条消息
func (h *HTTPHandler) AdminDeleteMessage(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	msgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || msgID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id", "category": "invalid"})
		return
	}

	if err := h.admin.DeleteMessage(c.Request.Context(), actor, tenantID, msgID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": msgID})
}

// AdminClearMessages 清空租户全部消息
func (h *HTTPHandler) AdminClearMessages(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	if err := h.admin.ClearMessages(c.Request.Context(), actor, tenantID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": tenantID})
}

type banRequest struct {
	SubjectType string `json:"subject_type" binding:"required"`
	Subject     string `json:"subject" binding:"required"`
	Reason      string `json:"reason,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
}

// AdminBan 手动封禁，duration_sec 为 0 表示永久
func (h *HTTPHandler) AdminBan(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	duration := time.Duration(req.DurationSec) * time.Second
	err := h.admin.BanSubject(c.Request.Context(), actor, tenantID,
		model.BanSubjectType(req.SubjectType), req.Subject, req.Reason, duration)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"banned": req.Subject})
}

// AdminUnban 解除封禁
func (h *HTTPHandler) AdminUnban(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	subjectType := c.Query("subject_type")
	subject := c.Query("subject")
	if subjectType == "" || subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_type and subject are required", "category": "invalid"})
		return
	}

	err := h.admin.UnbanSubject(c.Request.Context(), actor, tenantID,
		model.BanSubjectType(subjectType), subject)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"unbanned": subject})
}

// AdminListBans 列出封禁记录
func (h *HTTPHandler) AdminListBans(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	bans, err := h.admin.ListBans(c.Request.Context(), actor, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bans": bans})
}

type patternRequest struct {
	Pattern string `json:"pattern" binding:"required"`
	IsRegex bool   `json:"is_regex,omitempty"`
}

// AdminAddPattern 新增屏蔽规则
func (h *HTTPHandler) AdminAddPattern(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	if err := h.admin.AddPattern(c.Request.Context(), actor, tenantID, req.Pattern, req.IsRegex); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"added": req.Pattern})
}

// AdminDeletePattern 删除屏蔽规则
func (h *HTTPHandler) AdminDeletePattern(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pattern id", "category": "invalid"})
		return
	}

	if err := h.admin.DeletePattern(c.Request.Context(), actor, tenantID, id); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// AdminListPatterns 列出屏蔽规则
func (h *HTTPHandler) AdminListPatterns(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	patterns, err := h.admin.ListPatterns(c.Request.Context(), actor, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"patterns": patterns})
}

// AdminGetSettings 获取租户配置
func (h *HTTPHandler) AdminGetSettings(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	settings, err := h.admin.GetSettings(c.Request.Context(), actor, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// AdminUpdateSettings 更新租户配置
func (h *HTTPHandler) AdminUpdateSettings(c *gin.Context) {
	tenantID, _ := middleware.GetTenantID(c)
	actor, _ := middleware.GetActor(c)

	var settings model.TenantSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}
	settings.TenantID = tenantID

	if err := h.admin.UpdateSettings(c.Request.Context(), actor, &settings); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// AdminCreateUser 创建管理用户（仅 root）
func (h *HTTPHandler) AdminCreateUser(c *gin.Context) {
	actor, _ := middleware.GetActor(c)
	if actor == nil || actor.Role != roles.RoleRoot {
		c.JSON(http.StatusForbidden, gin.H{"error": "only root can create admin users"})
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		Role     string `json:"role" binding:"required"`
		TenantID string `json:"tenant_id,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "category": "invalid"})
		return
	}

	if err := h.admin.CreateAdmin(c.Request.Context(), req.Username, req.Password, roles.Role(req.Role), req.TenantID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"created": req.Username})
}
