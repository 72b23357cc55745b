package sharedstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIncrWindow(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrWindow(ctx, "rate:1.2.3.4", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// 固定窗口：过期后计数归零
	time.Sleep(60 * time.Millisecond)
	n, err := c.IncrWindow(ctx, "rate:1.2.3.4", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryIncrSlidingRefreshesTTL(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	_, err := c.IncrSliding(ctx, "violation:url:1.2.3.4", 60*time.Millisecond)
	require.NoError(t, err)

	// 在过期前再次自增，TTL 应被刷新，计数保留
	time.Sleep(40 * time.Millisecond)
	n, err := c.IncrSliding(ctx, "violation:url:1.2.3.4", 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	time.Sleep(40 * time.Millisecond)
	n, err = c.IncrSliding(ctx, "violation:url:1.2.3.4", 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemoryGetSetDelete(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	_, found, err := c.GetString(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetString(ctx, "k", "v", 0))
	val, found, err := c.GetString(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found, err = c.GetString(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryKeys(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.SetString(ctx, "onair:t:radio1:sess:alice:tok1", "{}", 0))
	require.NoError(t, c.SetString(ctx, "onair:t:radio1:sess:bob:tok2", "{}", 0))
	require.NoError(t, c.SetString(ctx, "onair:t:radio2:sess:carol:tok3", "{}", 0))

	keys, err := c.Keys(ctx, "onair:t:radio1:sess:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFailingClient(t *testing.T) {
	boom := errors.New("redis down")
	c := NewFailing(boom)
	ctx := context.Background()

	_, _, err := c.GetString(ctx, "k")
	assert.ErrorIs(t, err, boom)
	_, err = c.IncrWindow(ctx, "k", time.Second)
	assert.ErrorIs(t, err, boom)
}
