// Package filter 实现消息正文的内容过滤。
//
// 公开模式面向匿名观众和可嵌入组件广播，策略最严：URL、电话号码、
// 标记语言片段一律替换为占位符。私聊模式允许 URL，但要对照租户的
// 屏蔽规则逐条检查，命中即拦截该片段并由调用方记录违规。
package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/ceyewan/genesis/clog"
	"github.com/onairchat/onair/model"
)

// Mode 过滤模式
type Mode int

const (
	// ModePublic 公开广播，URL/电话/标记全部打码
	ModePublic Mode = iota + 1
	// ModePrivate 私聊，URL 过屏蔽规则
	ModePrivate
)

// Placeholder 命中内容的替换占位符
const Placeholder = "***"

// MaxBodyRunes 消息正文长度上限。必须在过滤之前由入口层检查，
// 过滤后的截断不能绕过长度限制。
const MaxBodyRunes = 500

// Result 过滤结果
type Result struct {
	// Filtered 过滤后的正文
	Filtered string
	// Blocked 是否有片段命中屏蔽规则（仅私聊模式会置位）
	Blocked bool
	// Matched 命中的规则列表，调用方据此记录违规
	Matched []string
}

var (
	// urlPattern 匹配 URL 形态的子串：带 scheme、www 前缀或裸域名。
	// 裸域名不维护 TLD 白名单：任何 `标签.字母后缀` 形态都按 URL 处理，
	// 公开模式宁可错杀普通词组也不放过少见后缀的链接。
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"]+|\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.[a-z]{2,24}\b(?:/[^\s<>"]*)?`)

	// phonePattern 匹配电话号码形态的子串（7 位以上数字，允许分隔符）
	phonePattern = regexp.MustCompile(`\+?\d(?:[\s.-]?\d){6,}`)

	// markupPattern 匹配标记语言片段
	markupPattern = regexp.MustCompile(`<[^>]*>`)
)

// PatternSource 提供租户的屏蔽规则，由缓存层支撑（TTL 约 5 分钟）。
type PatternSource interface {
	Patterns(ctx context.Context, tenantID string) ([]*model.DenyPattern, error)
}

// Option 配置 Filter 的选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Filter 内容过滤器。除读取屏蔽规则外无状态，可并发使用。
type Filter struct {
	patterns PatternSource
	logger   clog.Logger
}

// New 创建内容过滤器
func New(patterns PatternSource, opts ...Option) *Filter {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = clog.Discard()
	}
	return &Filter{
		patterns: patterns,
		logger:   logger.WithNamespace("filter"),
	}
}

// Apply 过滤消息正文。
// 公开模式是纯函数；私聊模式读取租户屏蔽规则，规则源不可用时返回错误，
// 由调用方按暂时性故障处理。
func (f *Filter) Apply(ctx context.Context, tenantID string, body string, mode Mode) (Result, error) {
	switch mode {
	case ModePublic:
		return f.applyPublic(body), nil
	case ModePrivate:
		return f.applyPrivate(ctx, tenantID, body)
	default:
		return Result{Filtered: escapeMarkup(body)}, nil
	}
}

// applyPublic 打码 URL、电话、标记片段，再中和剩余标记字符。
func (f *Filter) applyPublic(body string) Result {
	out := markupPattern.ReplaceAllString(body, Placeholder)
	out = urlPattern.ReplaceAllString(out, Placeholder)
	out = phonePattern.ReplaceAllString(out, Placeholder)
	return Result{Filtered: escapeMarkup(out)}
}

// applyPrivate 允许 URL，但逐条对照屏蔽规则；命中的片段替换为占位符，
// 并通过 Blocked/Matched 告知调用方，不得静默丢弃。
func (f *Filter) applyPrivate(ctx context.Context, tenantID string, body string) (Result, error) {
	patterns, err := f.patterns.Patterns(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}

	res := Result{Filtered: body}
	urls := urlPattern.FindAllString(body, -1)
	for _, url := range urls {
		matched := matchDenyPatterns(url, patterns, f.logger)
		if len(matched) == 0 {
			continue
		}
		res.Blocked = true
		res.Matched = append(res.Matched, matched...)
		res.Filtered = strings.ReplaceAll(res.Filtered, url, Placeholder)
	}

	res.Filtered = escapeMarkup(res.Filtered)
	return res, nil
}

// matchDenyPatterns 返回 url 命中的规则。正则编译失败的规则降级为子串匹配。
func matchDenyPatterns(url string, patterns []*model.DenyPattern, logger clog.Logger) []string {
	var matched []string
	lower := strings.ToLower(url)
	for _, p := range patterns {
		if p.IsRegex {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				logger.Warn("invalid deny pattern, falling back to substring match",
					clog.String("pattern", p.Pattern),
					clog.Error(err))
				if strings.Contains(lower, strings.ToLower(p.Pattern)) {
					matched = append(matched, p.Pattern)
				}
				continue
			}
			if re.MatchString(url) {
				matched = append(matched, p.Pattern)
			}
			continue
		}
		if strings.Contains(lower, strings.ToLower(p.Pattern)) {
			matched = append(matched, p.Pattern)
		}
	}
	return matched
}

// escapeMarkup 中和尖括号，防止存储内容在下游被当作活动标记渲染。
// 只转义 < 和 >：转义结果中不再含这两个字符，因此写入时和渲染时
// 重复执行是幂等的。
func escapeMarkup(s string) string {
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
