package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onairchat/onair/model"
)

// FrameType 下行帧类型
type FrameType string

const (
	// FrameHistory 连接建立后的历史回填
	FrameHistory FrameType = "history"
	// FrameMessage 新公开消息
	FrameMessage FrameType = "message"
	// FrameMessageDeleted 单条消息被删除
	FrameMessageDeleted FrameType = "message_deleted"
	// FrameClear 聊天被整体清空
	FrameClear FrameType = "clear"
	// FrameUsers 在线列表变更
	FrameUsers FrameType = "users"
	// FrameConfig 租户聊天配置
	FrameConfig FrameType = "config"
	// FramePrivate 私信
	FramePrivate FrameType = "private"
	// FramePing 空闲保活
	FramePing FrameType = "ping"
	// FrameError 错误提示
	FrameError FrameType = "error"
	// FrameReconnect 要求客户端重连（连接轮转）
	FrameReconnect FrameType = "reconnect"
)

// Frame 下行帧。Data 的形状由 Type 决定。
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame 构造带负载的帧
func NewFrame(frameType FrameType, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}
	return &Frame{Type: frameType, Data: data}, nil
}

// MustFrame 构造帧，序列化失败时 panic。仅用于形状固定的负载。
func MustFrame(frameType FrameType, payload any) *Frame {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// HistoryPayload history 帧负载，消息按 msg_id 升序
type HistoryPayload struct {
	Messages []*model.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// MessagePayload message / private 帧负载
type MessagePayload struct {
	Message *model.Message `json:"message"`
}

// DeletedPayload message_deleted 帧负载
type DeletedPayload struct {
	MsgID int64 `json:"msg_id"`
}

// ClearPayload clear 帧负载。客户端据此丢弃本地缓存里
// 该时刻之前的全部消息。
type ClearPayload struct {
	ClearedAt time.Time `json:"cleared_at"`
}

// UsersPayload users 帧负载
type UsersPayload struct {
	Count int      `json:"count"`
	Nicks []string `json:"nicks"`
}

// ConfigPayload config 帧负载，连接建立后第一帧
type ConfigPayload struct {
	Mode         model.ChatMode `json:"mode"`
	HistoryLimit int            `json:"history_limit"`
}

// ErrorPayload error 帧负载
type ErrorPayload struct {
	Category   string `json:"category"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ReconnectPayload reconnect 帧负载
type ReconnectPayload struct {
	Reason string `json:"reason"`
}

// PrivateEnvelope 私信在分发频道上的信封。整个租户的私信走同一个频道，
// 网关侧按收件人/发件人过滤后只把内层帧投给相关连接。
type PrivateEnvelope struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Frame     json.RawMessage `json:"frame"`
}
