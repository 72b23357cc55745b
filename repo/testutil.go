package repo

// 测试基础设施。PostgreSQL 和 Redis 各起一个 testcontainer，
// 整个包的测试共享同一对容器；Docker 不可用时跳过而不是失败。

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/docker/go-connections/nat"
	"github.com/onairchat/onair/model"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testBackend 惰性启动的单例测试容器。start 的结果（包括失败）
// 缓存下来，后续测试不会反复撞同一个启动错误。
type testBackend struct {
	image   string
	port    nat.Port
	env     map[string]string
	timeout time.Duration

	once      sync.Once
	container testcontainers.Container
	host      string
	mapped    int
	err       error
}

var (
	pgBackend = &testBackend{
		image: "postgres:17-alpine",
		port:  "5432/tcp",
		env: map[string]string{
			"POSTGRES_DB":       "onair_test",
			"POSTGRES_USER":     "onair",
			"POSTGRES_PASSWORD": "onair123",
		},
		timeout: 90 * time.Second,
	}
	redisBackend = &testBackend{
		image:   "redis:7.2-alpine",
		port:    "6379/tcp",
		timeout: 60 * time.Second,
	}

	testDB        db.DB
	testDBOnce    sync.Once
	testDBErr     error
	testPgConn    connector.PostgreSQLConnector
	testRedisConn connector.RedisConnector
	testRedisOnce sync.Once
	testRedisErr  error
)

func (b *testBackend) start() (string, int, error) {
	b.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				b.err = fmt.Errorf("启动 %s 容器 panic: %v", b.image, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        b.image,
				ExposedPorts: []string{string(b.port)},
				Env:          b.env,
				WaitingFor:   wait.ForListeningPort(b.port).WithStartupTimeout(b.timeout),
			},
			Started: true,
		})
		if err != nil {
			b.err = fmt.Errorf("启动 %s 容器失败: %w", b.image, err)
			return
		}
		b.container = container

		host, err := container.Host(ctx)
		if err != nil {
			b.err = fmt.Errorf("获取 %s 容器 host 失败: %w", b.image, err)
			return
		}
		mapped, err := container.MappedPort(ctx, b.port)
		if err != nil {
			b.err = fmt.Errorf("获取 %s 映射端口失败: %w", b.image, err)
			return
		}
		port, err := strconv.Atoi(mapped.Port())
		if err != nil {
			b.err = fmt.Errorf("解析 %s 映射端口失败: %w", b.image, err)
			return
		}
		b.host, b.mapped = host, port
	})
	return b.host, b.mapped, b.err
}

func (b *testBackend) terminate(ctx context.Context) {
	if b.container != nil {
		_ = b.container.Terminate(ctx)
		b.container = nil
	}
}

// waitReady 轮询直到 fn 成功或超出期限，容器端口就绪早于服务可用时用。
func waitReady(deadline time.Duration, fn func() error) error {
	var lastErr error
	for end := time.Now().Add(deadline); time.Now().Before(end); {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

// dockerUnavailable 判断错误是否为缺少 Docker 环境导致的启动失败。
func dockerUnavailable(err error) bool {
	return err != nil &&
		(strings.Contains(err.Error(), "docker.sock") ||
			strings.Contains(err.Error(), "rootless Docker not found"))
}

func getTestLogger(t *testing.T) clog.Logger {
	t.Helper()
	return clog.Discard()
}

func getTestRedis(t *testing.T) connector.RedisConnector {
	t.Helper()

	testRedisOnce.Do(func() {
		host, port, err := redisBackend.start()
		if err != nil {
			testRedisErr = err
			return
		}

		conn, err := connector.NewRedis(&connector.RedisConfig{
			Name:         "test-redis",
			Addr:         fmt.Sprintf("%s:%d", host, port),
			DB:           1,
			PoolSize:     20,
			MinIdleConns: 10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}, connector.WithLogger(getTestLogger(t)))
		if err != nil {
			testRedisErr = fmt.Errorf("创建 Redis 连接器失败: %w", err)
			return
		}
		if err := waitReady(10*time.Second, func() error {
			return conn.Connect(context.Background())
		}); err != nil {
			testRedisErr = fmt.Errorf("连接 Redis 失败: %w", err)
			return
		}
		testRedisConn = conn
	})

	if dockerUnavailable(testRedisErr) {
		t.Skipf("跳过测试：%v", testRedisErr)
	}
	if testRedisErr != nil {
		t.Fatalf("Redis 测试环境初始化失败: %v", testRedisErr)
	}
	return testRedisConn
}

func setupTestDB(t *testing.T) db.DB {
	t.Helper()

	testDBOnce.Do(func() {
		host, port, err := pgBackend.start()
		if err != nil {
			testDBErr = err
			return
		}
		logger := getTestLogger(t)

		testPgConn, err = connector.NewPostgreSQL(&connector.PostgreSQLConfig{
			Name:            "test-postgres",
			Host:            host,
			Port:            port,
			Username:        "onair",
			Password:        "onair123",
			Database:        "onair_test",
			SSLMode:         "disable",
			MaxIdleConns:    10,
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
			ConnectTimeout:  5 * time.Second,
			Timezone:        "UTC",
		}, connector.WithLogger(logger))
		if err != nil {
			testDBErr = fmt.Errorf("创建 PostgreSQL 连接器失败: %w", err)
			return
		}
		if err := waitReady(10*time.Second, func() error {
			return testPgConn.Connect(context.Background())
		}); err != nil {
			testDBErr = fmt.Errorf("连接 PostgreSQL 失败: %w", err)
			return
		}

		database, err := db.New(&db.Config{
			Driver:         "postgresql",
			EnableSharding: false,
		}, db.WithPostgreSQLConnector(testPgConn), db.WithLogger(logger))
		if err != nil {
			testDBErr = fmt.Errorf("创建 DB 组件失败: %w", err)
			return
		}

		if err := database.DB(context.Background()).AutoMigrate(model.AllModels()...); err != nil {
			testDBErr = fmt.Errorf("自动迁移表结构失败: %w", err)
			_ = database.Close()
			return
		}
		testDB = database
	})

	if dockerUnavailable(testDBErr) {
		t.Skipf("跳过测试：%v", testDBErr)
	}
	if testDBErr != nil {
		t.Fatalf("数据库测试环境初始化失败: %v", testDBErr)
	}
	return testDB
}

// cleanupTestData 清空全部业务表。表还没建出来时静默跳过。
func cleanupTestData(t *testing.T, database db.DB) {
	t.Helper()
	gormDB := database.DB(context.Background())

	for _, m := range model.AllModels() {
		named, ok := m.(interface{ TableName() string })
		if !ok {
			continue
		}
		table := named.TableName()
		truncate := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table)
		if err := gormDB.Exec(truncate).Error; err != nil {
			if strings.Contains(err.Error(), "does not exist") {
				continue
			}
			t.Logf("警告：清理表 %s 失败: %v", table, err)
		}
	}
}

// cleanupRedisData 删除本项目键空间下的全部测试键。
func cleanupRedisData(t *testing.T, redisConn connector.RedisConnector) {
	t.Helper()
	if redisConn == nil {
		return
	}

	ctx := context.Background()
	client := redisConn.GetClient()
	keys, err := client.Keys(ctx, "onair:*").Result()
	if err != nil {
		t.Logf("警告：获取 Redis key 列表失败: %v", err)
		return
	}
	if len(keys) > 0 {
		if err := client.Del(ctx, keys...).Err(); err != nil {
			t.Logf("警告：清理 Redis 数据失败: %v", err)
		}
	}
}

// setupTestContext 返回干净的测试数据库和收尾函数。
func setupTestContext(t *testing.T) (db.DB, func()) {
	t.Helper()
	database := setupTestDB(t)
	cleanupTestData(t, database)
	return database, func() {
		cleanupTestData(t, database)
	}
}

func TestMain(m *testing.M) {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if testDB != nil {
		_ = testDB.Close()
	}
	if testPgConn != nil {
		_ = testPgConn.Close()
	}
	if testRedisConn != nil {
		_ = testRedisConn.Close()
	}
	pgBackend.terminate(ctx)
	redisBackend.terminate(ctx)

	os.Exit(code)
}
