// Package cherr 定义聊天核心的错误分类体系。
//
// 四类错误的处理策略各不相同：
//   - Validation：输入形状非法，直接拒绝，永不重试
//   - PolicyDenied：策略拒绝（限流/封禁/命中屏蔽规则），必须带类别返回给发送方
//   - Transient：基础设施暂时不可用，内部有限次重试后以通用失败暴露
//   - Fatal：程序不变量被破坏，记日志并中断当前请求/连接
package cherr

import (
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/xerrors"
)

// Kind 错误类别
type Kind int

const (
	// KindValidation 输入非法
	KindValidation Kind = iota + 1
	// KindPolicyDenied 策略拒绝
	KindPolicyDenied
	// KindTransient 基础设施暂时故障
	KindTransient
	// KindFatal 不变量被破坏
	KindFatal
)

// Category 拒绝类别，返回给客户端用于决定重试/退避/放弃。
type Category string

const (
	CategoryRateLimited  Category = "rate-limited"
	CategoryBanned       Category = "banned"
	CategoryTooLong      Category = "too-long"
	CategoryBlocked      Category = "blocked-pattern"
	CategoryUnreachable  Category = "recipient-unreachable"
	CategoryInvalid      Category = "invalid"
	CategoryUnavailable  Category = "unavailable"
)

// Error 携带类别与重试提示的分类错误。
type Error struct {
	kind       Kind
	category   Category
	retryAfter time.Duration
	err        error
}

func (e *Error) Error() string {
	return e.err.Error()
}

// Unwrap 支持 errors.Is / errors.As 链
func (e *Error) Unwrap() error {
	return e.err
}

// Kind 返回错误类别
func (e *Error) Kind() Kind {
	return e.kind
}

// Category 返回拒绝类别
func (e *Error) Category() Category {
	return e.category
}

// RetryAfter 返回重试提示，零值表示无提示。
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// Validationf 创建输入校验错误
func Validationf(category Category, format string, args ...any) error {
	return &Error{
		kind:     KindValidation,
		category: category,
		err:      fmt.Errorf(format, args...),
	}
}

// Deniedf 创建策略拒绝错误
func Deniedf(category Category, format string, args ...any) error {
	return &Error{
		kind:     KindPolicyDenied,
		category: category,
		err:      fmt.Errorf(format, args...),
	}
}

// DeniedRetryAfter 创建带重试提示的限流拒绝
func DeniedRetryAfter(category Category, retryAfter time.Duration, format string, args ...any) error {
	return &Error{
		kind:       KindPolicyDenied,
		category:   category,
		retryAfter: retryAfter,
		err:        fmt.Errorf(format, args...),
	}
}

// Transientf 包装基础设施错误
func Transientf(err error, format string, args ...any) error {
	return &Error{
		kind:     KindTransient,
		category: CategoryUnavailable,
		err:      xerrors.Wrapf(err, format, args...),
	}
}

// Fatalf 创建不变量破坏错误
func Fatalf(format string, args ...any) error {
	return &Error{
		kind: KindFatal,
		err:  xerrors.New(fmt.Sprintf(format, args...)),
	}
}

// KindOf 返回错误的类别；非分类错误按 Transient 处理，
// 未分类的下游故障宁可当作暂时故障重试，也不能当作策略拒绝返回给用户。
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.kind
	}
	return KindTransient
}

// CategoryOf 返回拒绝类别，非分类错误返回 CategoryUnavailable。
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) && ce.category != "" {
		return ce.category
	}
	return CategoryUnavailable
}

// RetryAfterOf 返回重试提示
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.retryAfter
	}
	return 0
}

// IsDenied 判断是否为策略拒绝
func IsDenied(err error) bool {
	return err != nil && KindOf(err) == KindPolicyDenied
}

// IsValidation 判断是否为输入校验错误
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// IsTransient 判断是否为暂时性故障
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
