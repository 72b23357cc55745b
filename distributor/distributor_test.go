package distributor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisContainer testcontainers.Container
	redisOnce      sync.Once
	redisStartErr  error
	redisConn      connector.RedisConnector
)

func startRedisContainer() (string, int, error) {
	redisOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				redisStartErr = fmt.Errorf("启动 Redis Testcontainer panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		req := testcontainers.ContainerRequest{
			Image:        "redis:7.2-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			redisStartErr = fmt.Errorf("启动 Redis Testcontainer 失败: %w", err)
			return
		}
		redisContainer = container
	})
	if redisStartErr != nil {
		return "", 0, redisStartErr
	}

	ctx := context.Background()
	host, err := redisContainer.Host(ctx)
	if err != nil {
		return "", 0, err
	}
	mappedPort, err := redisContainer.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func getTestRedis(t *testing.T) connector.RedisConnector {
	if redisConn != nil {
		return redisConn
	}

	host, port, err := startRedisContainer()
	if err != nil {
		t.Skipf("跳过测试：%v", err)
		return nil
	}

	conn, err := connector.NewRedis(&connector.RedisConfig{
		Name:         "test-redis",
		Addr:         fmt.Sprintf("%s:%d", host, port),
		DB:           2,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, connector.WithLogger(clog.Discard()))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	redisConn = conn
	return redisConn
}

func TestMain(m *testing.M) {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if redisConn != nil {
		_ = redisConn.Close()
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func waitEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "事件通道被关闭")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("等待事件超时")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("不应收到事件: %+v", ev)
		}
	case <-time.After(wait):
	}
}

func TestDistributor_PublishSubscribe(t *testing.T) {
	conn := getTestRedis(t)
	dist, err := New(conn, WithLogger(clog.Discard()))
	require.NoError(t, err)
	defer dist.Close()

	ctx := context.Background()

	t.Run("订阅后发布可收到", func(t *testing.T) {
		sub, err := dist.Subscribe(ctx, "radio1", keyspace.ChannelPublic)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, dist.Publish(ctx, "radio1", keyspace.ChannelPublic, []byte(`{"type":"message"}`)))

		ev := waitEvent(t, sub)
		assert.Equal(t, "radio1", ev.TenantID)
		assert.Equal(t, keyspace.ChannelPublic, ev.Kind)
		assert.JSONEq(t, `{"type":"message"}`, string(ev.Payload))
	})

	t.Run("多频道订阅按Kind区分", func(t *testing.T) {
		sub, err := dist.Subscribe(ctx, "radio1", keyspace.ChannelPublic, keyspace.ChannelPrivate)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, dist.Publish(ctx, "radio1", keyspace.ChannelPrivate, []byte(`{"type":"private"}`)))

		ev := waitEvent(t, sub)
		assert.Equal(t, keyspace.ChannelPrivate, ev.Kind)
	})

	t.Run("未订阅的频道收不到", func(t *testing.T) {
		sub, err := dist.Subscribe(ctx, "radio1", keyspace.ChannelPublic)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, dist.Publish(ctx, "radio1", keyspace.ChannelPresence, []byte(`{}`)))
		assertNoEvent(t, sub, 300*time.Millisecond)
	})

	t.Run("租户间互不可见", func(t *testing.T) {
		sub, err := dist.Subscribe(ctx, "radio2", keyspace.ChannelPublic)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, dist.Publish(ctx, "radio1", keyspace.ChannelPublic, []byte(`{}`)))
		assertNoEvent(t, sub, 300*time.Millisecond)
	})

	t.Run("PublishJSON序列化", func(t *testing.T) {
		sub, err := dist.Subscribe(ctx, "radio1", keyspace.ChannelPublic)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, dist.PublishJSON(ctx, "radio1", keyspace.ChannelPublic, map[string]any{
			"type": "clear",
		}))

		ev := waitEvent(t, sub)
		assert.JSONEq(t, `{"type":"clear"}`, string(ev.Payload))
	})
}

func TestDistributor_Close(t *testing.T) {
	conn := getTestRedis(t)
	ctx := context.Background()

	t.Run("关闭订阅后事件通道关闭", func(t *testing.T) {
		dist, err := New(conn)
		require.NoError(t, err)
		defer dist.Close()

		sub, err := dist.Subscribe(ctx, "radio1", keyspace.ChannelPublic)
		require.NoError(t, err)
		require.NoError(t, sub.Close())

		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("事件通道未关闭")
		}
	})

	t.Run("关闭分发器后拒绝新订阅", func(t *testing.T) {
		dist, err := New(conn)
		require.NoError(t, err)
		require.NoError(t, dist.Close())

		_, err = dist.Subscribe(ctx, "radio1", keyspace.ChannelPublic)
		assert.Error(t, err)
	})

	t.Run("无订阅时发布不报错", func(t *testing.T) {
		dist, err := New(conn)
		require.NoError(t, err)
		defer dist.Close()

		assert.NoError(t, dist.Publish(ctx, "radio1", keyspace.ChannelPublic, []byte(`{}`)))
	})
}
