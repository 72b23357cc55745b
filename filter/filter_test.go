package filter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/onairchat/onair/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPatternSource struct {
	patterns []*model.DenyPattern
	err      error
}

func (s *stubPatternSource) Patterns(ctx context.Context, tenantID string) ([]*model.DenyPattern, error) {
	return s.patterns, s.err
}

func newTestFilter(patterns ...*model.DenyPattern) *Filter {
	return New(&stubPatternSource{patterns: patterns})
}

func TestPublicModeStripsURLs(t *testing.T) {
	f := newTestFilter()
	ctx := context.Background()

	cases := []struct {
		name string
		body string
	}{
		{"scheme", "check out https://spam.example/offer now"},
		{"www前缀", "visit www.spam-site.ru today"},
		{"裸域名", "go to freestuff.xyz for gifts"},
		{"少见TLD的裸域名", "grab freebies.dev and win.berlin now"},
		{"多个URL", "https://a.example and http://b.example/x?q=1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.Apply(ctx, "radio1", tc.body, ModePublic)
			require.NoError(t, err)
			assert.NotContains(t, res.Filtered, "http")
			assert.NotContains(t, res.Filtered, "www.")
			assert.NotContains(t, res.Filtered, ".xyz")
			assert.Contains(t, res.Filtered, Placeholder)
			assert.False(t, res.Blocked)
		})
	}
}

func TestPublicModeStripsPhoneNumbers(t *testing.T) {
	f := newTestFilter()
	ctx := context.Background()

	for _, body := range []string{
		"call me at +1 555 123 4567",
		"电话 13812345678 联系",
		"dial 555-123-4567 now",
	} {
		res, err := f.Apply(ctx, "radio1", body, ModePublic)
		require.NoError(t, err)
		assert.Contains(t, res.Filtered, Placeholder, body)
		assert.NotRegexp(t, `\d{7,}`, strings.ReplaceAll(res.Filtered, " ", ""), body)
	}
}

func TestPublicModeStripsMarkup(t *testing.T) {
	f := newTestFilter()

	res, err := f.Apply(context.Background(), "radio1", `hello <script>alert(1)</script> world`, ModePublic)
	require.NoError(t, err)
	assert.NotContains(t, res.Filtered, "<script>")
	assert.NotContains(t, res.Filtered, "<")
}

func TestMarkupEscapeIsIdempotent(t *testing.T) {
	f := newTestFilter()
	ctx := context.Background()

	res1, err := f.Apply(ctx, "radio1", "a <b> c", ModePublic)
	require.NoError(t, err)
	// 模拟渲染时的第二次过滤
	res2, err := f.Apply(ctx, "radio1", res1.Filtered, ModePublic)
	require.NoError(t, err)
	assert.Equal(t, res1.Filtered, res2.Filtered)
}

func TestPrivateModeAllowsCleanURLs(t *testing.T) {
	f := newTestFilter(&model.DenyPattern{Pattern: "spam.example"})

	res, err := f.Apply(context.Background(), "radio1", "docs at https://good.example/guide", ModePrivate)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Contains(t, res.Filtered, "https://good.example/guide")
}

func TestPrivateModeBlocksDeniedSegment(t *testing.T) {
	f := newTestFilter(&model.DenyPattern{Pattern: "spam.example"})

	body := "ok link https://good.example and bad https://spam.example/x"
	res, err := f.Apply(context.Background(), "radio1", body, ModePrivate)
	require.NoError(t, err)

	// 只拦截命中的片段，保留其余内容
	assert.True(t, res.Blocked)
	assert.Equal(t, []string{"spam.example"}, res.Matched)
	assert.Contains(t, res.Filtered, "https://good.example")
	assert.NotContains(t, res.Filtered, "spam.example")
	assert.Contains(t, res.Filtered, Placeholder)
}

func TestPrivateModeRegexPattern(t *testing.T) {
	f := newTestFilter(&model.DenyPattern{Pattern: `(?i)casino|bet\d+`, IsRegex: true})

	res, err := f.Apply(context.Background(), "radio1", "try https://bet365.example now", ModePrivate)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Len(t, res.Matched, 1)
}

func TestPrivateModeInvalidRegexFallsBackToSubstring(t *testing.T) {
	f := newTestFilter(&model.DenyPattern{Pattern: `bad[`, IsRegex: true})

	res, err := f.Apply(context.Background(), "radio1", "see https://bad[.example", ModePrivate)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
}

func TestPrivateModePatternSourceFailure(t *testing.T) {
	boom := errors.New("cache down")
	f := New(&stubPatternSource{err: boom})

	_, err := f.Apply(context.Background(), "radio1", "hello https://x.example", ModePrivate)
	assert.ErrorIs(t, err, boom)
}

func TestPlainTextPassesThrough(t *testing.T) {
	f := newTestFilter()

	for _, mode := range []Mode{ModePublic, ModePrivate} {
		res, err := f.Apply(context.Background(), "radio1", "hello world", mode)
		require.NoError(t, err)
		assert.Equal(t, "hello world", res.Filtered)
		assert.False(t, res.Blocked)
	}
}
