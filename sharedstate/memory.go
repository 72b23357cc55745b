package sharedstate

import (
	"context"
	"path"
	"sync"
	"time"
)

// memoryClient 进程内实现，用于单元测试和无 Redis 的本地开发。
// 语义与 redis 实现对齐：惰性过期、原子自增。
type memoryClient struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	// failing 为 true 时所有操作返回错误，测试故障策略用。
	failing bool
	failErr error
}

type memoryEntry struct {
	value     string
	counter   int64
	expiresAt time.Time // 零值表示不过期
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// NewMemory 创建进程内共享状态客户端
func NewMemory() Client {
	return &memoryClient{entries: make(map[string]*memoryEntry)}
}

// NewFailing 创建一个所有操作都失败的客户端，用于验证 fail-open/fail-closed 策略。
func NewFailing(err error) Client {
	return &memoryClient{entries: make(map[string]*memoryEntry), failing: true, failErr: err}
}

func (c *memoryClient) get(key string) *memoryEntry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(c.entries, key)
		return nil
	}
	return e
}

func (c *memoryClient) GetString(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return "", false, c.failErr
	}
	e := c.get(key)
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *memoryClient) SetString(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return c.failErr
	}
	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *memoryClient) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return c.failErr
	}
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *memoryClient) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, c.failErr
	}
	e := c.get(key)
	if e == nil {
		e = &memoryEntry{expiresAt: time.Now().Add(window)}
		c.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (c *memoryClient) IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, c.failErr
	}
	e := c.get(key)
	if e == nil {
		e = &memoryEntry{}
		c.entries[key] = e
	}
	e.counter++
	e.expiresAt = time.Now().Add(ttl)
	return e.counter, nil
}

func (c *memoryClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, c.failErr
	}
	e := c.get(key)
	if e == nil || e.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(e.expiresAt), nil
}

func (c *memoryClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return nil, c.failErr
	}
	now := time.Now()
	var keys []string
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (c *memoryClient) Close() error {
	return nil
}
