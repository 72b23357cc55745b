// Package chatd 组装聊天核心的全部组件并管理服务生命周期。
package chatd

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/onairchat/onair/chatd/api"
	"github.com/onairchat/onair/chatd/config"
	"github.com/onairchat/onair/chatd/observability"
	"github.com/onairchat/onair/chatd/server"
	"github.com/onairchat/onair/distributor"
	"github.com/onairchat/onair/filter"
	"github.com/onairchat/onair/moderation"
	"github.com/onairchat/onair/pkg/health"
	"github.com/onairchat/onair/repo"
	"github.com/onairchat/onair/service"
	"github.com/onairchat/onair/sharedstate"
	"github.com/onairchat/onair/stream"
)

// Chatd 聊天核心服务生命周期管理器
type Chatd struct {
	config   *config.Config
	logger   clog.Logger
	workerID int64

	// 服务实例
	httpServer  *server.HTTPServer
	healthProbe *health.Probe

	// 核心资源
	resources *resources
	ctx       context.Context
	cancel    context.CancelFunc
}

// resources 内部资源聚合，方便统一管理
type resources struct {
	redisConn connector.RedisConnector
	pgConn    connector.PostgreSQLConnector
	database  db.DB
	state     sharedstate.Client

	messages repo.MessageRepo
	bans     repo.BanRepo
	patterns repo.PatternRepo
	settings repo.SettingsRepo
	sessions repo.SessionRepo
	admins   repo.AdminRepo

	dist      distributor.Distributor
	streamMgr *stream.Manager
}

// New 创建 Chatd 实例
func New() (*Chatd, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Chatd{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := c.initComponents(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// initComponents 初始化所有组件
func (c *Chatd) initComponents() error {
	// 1. 初始化可观测性（Trace + Metrics）
	if err := observability.Init(&c.config.Observability); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	// 2. 初始化 Logger（带 Trace Context 支持）
	logger, err := observability.NewLogger(&c.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	c.logger = logger

	// 3. 初始化外部连接与存储层
	res, err := c.initBaseResources()
	if err != nil {
		return err
	}
	c.resources = res

	// 4. 使用 Allocator 从 Redis 获取唯一的 workerID
	allocator, err := idgen.NewAllocator(&idgen.AllocatorConfig{
		Driver: "redis",
		MaxID:  c.config.WorkerID.GetMaxID(),
	}, idgen.WithRedisConnector(res.redisConn))
	if err != nil {
		return fmt.Errorf("create allocator: %w", err)
	}
	workerID, err := allocator.Allocate(c.ctx)
	if err != nil {
		return fmt.Errorf("allocate workerID: %w", err)
	}
	c.workerID = workerID

	// 监听 workerID 保活失败
	go func() {
		if err := <-allocator.KeepAlive(c.ctx); err != nil {
			c.logger.Error("workerID keepalive failed, shutting down", clog.Error(err))
			c.cancel()
		}
	}()

	// 5. 创建 ID 生成器：trace ID 用本机生成器，消息 ID 用 Snowflake
	traceGen, err := idgen.NewGenerator(&idgen.GeneratorConfig{WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("create trace id generator: %w", err)
	}
	msgIDs, err := idgen.NewGenerator(&c.config.IDGen, idgen.WithRedisConnector(res.redisConn), idgen.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("create snowflake generator: %w", err)
	}

	// 6. 组装业务组件与服务接口
	if err := c.initServices(traceGen, msgIDs); err != nil {
		return err
	}

	return nil
}

// initBaseResources 初始化外部连接 (Redis、PostgreSQL) 与数据访问层
func (c *Chatd) initBaseResources() (*resources, error) {
	// Redis
	redisConn, err := connector.NewRedis(&c.config.Redis, connector.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("redis init: %w", err)
	}
	if err := redisConn.Connect(c.ctx); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	// PostgreSQL
	pgConn, err := connector.NewPostgreSQL(&c.config.Postgres, connector.WithLogger(c.logger))
	if err != nil {
		redisConn.Close()
		return nil, fmt.Errorf("postgresql init: %w", err)
	}
	if err := pgConn.Connect(c.ctx); err != nil {
		redisConn.Close()
		return nil, fmt.Errorf("postgresql connect: %w", err)
	}

	database, err := db.New(&db.Config{Driver: "postgresql"},
		db.WithPostgreSQLConnector(pgConn), db.WithLogger(c.logger))
	if err != nil {
		redisConn.Close()
		pgConn.Close()
		return nil, fmt.Errorf("db init: %w", err)
	}

	state, err := sharedstate.NewRedis(redisConn, sharedstate.WithLogger(c.logger))
	if err != nil {
		redisConn.Close()
		pgConn.Close()
		return nil, fmt.Errorf("shared state init: %w", err)
	}

	res := &resources{
		redisConn: redisConn,
		pgConn:    pgConn,
		database:  database,
		state:     state,
	}

	// 数据访问层
	if res.messages, err = repo.NewMessageRepo(database, redisConn, repo.WithMessageRepoLogger(c.logger)); err != nil {
		return nil, fmt.Errorf("message repo init: %w", err)
	}
	if res.bans, err = repo.NewBanRepo(database, redisConn, repo.WithBanRepoLogger(c.logger)); err != nil {
		return nil, fmt.Errorf("ban repo init: %w", err)
	}
	if res.patterns, err = repo.NewPatternRepo(database, redisConn, repo.WithPatternRepoLogger(c.logger)); err != nil {
		return nil, fmt.Errorf("pattern repo init: %w", err)
	}
	if res.settings, err = repo.NewSettingsRepo(database, redisConn, repo.WithSettingsRepoLogger(c.logger)); err != nil {
		return nil, fmt.Errorf("settings repo init: %w", err)
	}
	if res.sessions, err = repo.NewSessionRepo(state,
		repo.WithSessionTTL(c.config.Session.GetTTL()),
		repo.WithSessionRepoLogger(c.logger)); err != nil {
		return nil, fmt.Errorf("session repo init: %w", err)
	}
	if res.admins, err = repo.NewAdminRepo(database, repo.WithAdminRepoLogger(c.logger)); err != nil {
		return nil, fmt.Errorf("admin repo init: %w", err)
	}

	return res, nil
}

// initServices 组装审核、分发、流与 HTTP 服务
func (c *Chatd) initServices(traceGen idgen.Generator, msgIDs idgen.Generator) error {
	res := c.resources

	contentFilter := filter.New(res.patterns, filter.WithLogger(c.logger))

	ledger, err := moderation.NewLedger(res.bans, res.settings, res.state,
		moderation.WithLedgerLogger(c.logger))
	if err != nil {
		return fmt.Errorf("moderation ledger init: %w", err)
	}

	dist, err := distributor.New(res.redisConn, distributor.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("distributor init: %w", err)
	}
	res.dist = dist

	streamMgr, err := stream.NewManager(dist, res.messages, res.sessions, res.settings,
		c.config.Stream.ToStreamConfig(), stream.WithManagerLogger(c.logger))
	if err != nil {
		return fmt.Errorf("stream manager init: %w", err)
	}
	res.streamMgr = streamMgr

	chatSvc, err := service.NewChatService(res.messages, res.sessions, res.settings,
		contentFilter, ledger, dist, msgIDs, service.WithChatLogger(c.logger))
	if err != nil {
		return fmt.Errorf("chat service init: %w", err)
	}

	adminSvc, err := service.NewAdminService(res.admins, res.messages, res.patterns,
		res.settings, ledger, dist, c.config.JWT.Secret,
		service.WithTokenTTL(c.config.JWT.GetTTL()),
		service.WithAdminLogger(c.logger))
	if err != nil {
		return fmt.Errorf("admin service init: %w", err)
	}

	// HTTP Handler & Middlewares
	limiter, err := ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
	}, ratelimit.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("ratelimit init: %w", err)
	}
	middlewares := api.NewMiddlewares(c.logger, limiter, traceGen, adminSvc)
	apiHandler := api.NewHTTPHandler(chatSvc, adminSvc, res.sessions, c.logger)
	wsHandler := api.NewWebSocket(streamMgr, c.logger,
		c.config.Stream.GetReadBufferSize(), c.config.Stream.GetWriteBufferSize())

	c.healthProbe = health.NewProbe()
	c.httpServer = server.NewHTTPServer(c.config, c.logger, apiHandler, wsHandler,
		middlewares, c.healthProbe)

	return nil
}

// Run 启动服务
func (c *Chatd) Run() error {
	c.logger.Info("starting chatd server...",
		clog.String("service", c.config.GetServiceName()),
		clog.Int64("worker_id", c.workerID))
	c.healthProbe.SetReady(false)
	c.healthProbe.SetShutdown(false)

	go func() {
		if err := c.httpServer.Start(); err != nil {
			c.logger.Error("http server failed", clog.Error(err))
			c.cancel()
		}
	}()

	c.healthProbe.SetReady(true)
	return nil
}

// Close 优雅关闭：先把在线观众用 reconnect 帧请走，再释放资源
func (c *Chatd) Close() error {
	if c.logger != nil {
		c.logger.Info("shutting down chatd...")
	}
	if c.healthProbe != nil {
		c.healthProbe.SetReady(false)
		c.healthProbe.SetShutdown(true)
	}
	c.cancel()

	// 1. 疏散在线观众
	if c.resources != nil && c.resources.streamMgr != nil {
		c.resources.streamMgr.Drain()
	}

	// 2. 停止 HTTP 服务
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if c.httpServer != nil {
		c.httpServer.Stop(httpShutdownCtx)
	}

	// 3. 释放核心资源（带超时控制）
	if c.resources != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			res := c.resources
			if res.dist != nil {
				res.dist.Close()
			}
			for _, closer := range []interface{ Close() error }{
				res.messages, res.bans, res.patterns, res.settings, res.sessions, res.admins,
			} {
				if closer != nil {
					closer.Close()
				}
			}
			if res.state != nil {
				res.state.Close()
			}
			if res.database != nil {
				res.database.Close()
			}
			if res.pgConn != nil {
				res.pgConn.Close()
			}
			if res.redisConn != nil {
				res.redisConn.Close()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			if c.logger != nil {
				c.logger.Warn("resource shutdown timed out after 10s, some connections may not be closed cleanly")
			}
		}
	}

	// 4. 关闭可观测性组件
	if err := observability.Shutdown(context.Background()); err != nil && c.logger != nil {
		c.logger.Error("observability shutdown failed", clog.Error(err))
	}

	return nil
}
