package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"hlstream/internal/application/port"
	"hlstream/internal/application/service"
	"hlstream/internal/application/usecase/monitor"
	"hlstream/internal/domain"
	"hlstream/internal/infrastructure/cache"
	"hlstream/internal/infrastructure/config"
	"hlstream/internal/infrastructure/exchange/hyperliquid"
	"hlstream/internal/infrastructure/metrics"
	compositerepo "hlstream/internal/infrastructure/storage/composite"
	postgresrepo "hlstream/internal/infrastructure/storage/postgres"
	redisrepo "hlstream/internal/infrastructure/storage/redis"
	sqliterepo "hlstream/internal/infrastructure/storage/sqlite"
	"hlstream/internal/infrastructure/transport"
	"hlstream/internal/infrastructure/websocket"
	"hlstream/internal/interfaces/console"
	"hlstream/internal/interfaces/httpapi"
)

const closeTimeout = 10 * time.Second

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	wsManager   *websocket.WebSocketManager
	transport   transport.Client
	exchange    string // manager name of transport
	metrics     *metrics.Prometheus
	redisClient *redisclient.Client
	repo        port.Repository
	lastBars    *cache.LRU[string, domain.Bar]

	// 输出端口
	Sink port.Sink

	// 流式数据层（依赖基础设施）
	registry *service.SubscriptionRegistry
	candles  *service.CandleStore

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	wsManager := websocket.NewWebSocketManager()
	if err := wsManager.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize websocket manager: %w", err)
	}

	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		wsManager:   wsManager,
		metrics:     metrics.New(),
		Sink:        console.NewSink(),
		closerChain: make([]func() error, 0),
	}
	sc.closerChain = append(sc.closerChain, wsManager.Close)

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 初始化所有应用组件
// 按照依赖关系有序初始化，确保不会有循环依赖
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}

	// 1. transport
	sc.exchange = transport.ExchangeHyperliquid
	client, ok := sc.wsManager.Transport(sc.exchange)
	if !ok {
		client, ok = sc.wsManager.Primary()
		if ok {
			sc.exchange = sc.wsManager.Names()[0]
		}
	}
	if !ok {
		return ErrNoTransport
	}
	sc.transport = client

	// 2. 共享订阅
	policy, err := service.ParseReleasePolicy(sc.Config.Subscriptions.ReleasePolicy)
	if err != nil {
		return err
	}
	limits := sc.Config.PayloadLimits()
	sc.registry = service.NewSubscriptionRegistry(service.RegistryConfig{
		Limits:         limits,
		MaxTrackedKeys: sc.Config.Subscriptions.MaxTrackedKeys,
		ReleasePolicy:  policy,
	}, service.NewWebSocketStore(), sc.metrics)
	sc.closerChain = append(sc.closerChain, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return sc.registry.Close(ctx)
	})

	// 3. K线流
	sc.lastBars, err = cache.New[string, domain.Bar](sc.Config.Cache.MaxChartLastBarEntries)
	if err != nil {
		return fmt.Errorf("last bar cache: %w", err)
	}
	sc.candles, err = service.NewCandleStore(service.CandleStoreDeps{
		Transport: sc.transport,
		Decode:    hyperliquid.DecodeCandle,
		Cache:     sc.lastBars,
		Limits:    limits,
		Policy:    sc.Config.ReconnectPolicy(),
		Metrics:   sc.metrics,
	})
	if err != nil {
		return err
	}
	sc.closerChain = append(sc.closerChain, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return sc.candles.Close(ctx)
	})

	log.Info().
		Str("transport", sc.transport.Name()).
		Int("max_tracked_keys", sc.Config.Subscriptions.MaxTrackedKeys).
		Int("last_bar_entries", sc.Config.Cache.MaxChartLastBarEntries).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (Redis / SQLite / Postgres)，多个后端时组合写入
func (sc *ServiceContext) initializeStorage() error {
	var repos []port.Repository

	if sc.Config.Redis.Enabled {
		repo, err := sc.initRedis()
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		repos = append(repos, repo)
	}

	if sc.Config.SQLite.Enabled {
		repo, err := sqliterepo.New(sc.Config.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
		repos = append(repos, repo)
		log.Info().Str("path", sc.Config.SQLite.Path).Msg("✓ SQLite initialized")
	}

	if sc.Config.Postgres.Enabled {
		repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		repos = append(repos, repo)
		log.Info().Msg("✓ Postgres initialized")
	}

	switch len(repos) {
	case 0:
		sc.repo = monitor.NewNoopRepo()
		return nil
	case 1:
		sc.repo = repos[0]
	default:
		sc.repo = compositerepo.New(repos...)
	}

	// 注册关闭回调（redis client 由 redis repo 关闭）
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Int("backends", len(repos)).Msg("closing storage")
		return sc.repo.Close()
	})
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() (*redisrepo.Repo, error) {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	sc.redisClient = rdb

	repo := redisrepo.New(
		rdb,
		sc.Config.Redis.Prefix,
		time.Duration(sc.Config.Redis.TTLSeconds)*time.Second,
		sc.Config.Redis.EventStream,
		sc.Config.Redis.EventChannel,
	)

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return repo, nil
}

// BuildMonitorServiceDeps 构建 Monitor Service 所需的所有依赖
func (sc *ServiceContext) BuildMonitorServiceDeps() (monitor.ServiceDeps, error) {
	st := sc.Config.Streams
	feeds, candleFeeds, err := monitor.PlanFeeds(st.Coins, st.CandleIntervals, st.Books, st.Trades, st.AllMids, st.Users)
	if err != nil {
		return monitor.ServiceDeps{}, err
	}
	return monitor.ServiceDeps{
		Transport:     sc.transport,
		Registry:      sc.registry,
		Candles:       sc.candles,
		Feeds:         feeds,
		CandleFeeds:   candleFeeds,
		PrintEvery:    time.Duration(sc.Config.App.PrintEverySec) * time.Second,
		SnapshotEvery: time.Duration(sc.Config.App.SnapshotEveryMin) * time.Minute,
		Color:         true,
		Sink:          sc.Sink,
		Repo:          sc.repo,
		Retry:         sc.Config.ReconnectPolicy(),
	}, nil
}

// BuildHTTPServer 构建只读 HTTP 接口
func (sc *ServiceContext) BuildHTTPServer() *httpapi.Server {
	return httpapi.NewServer(sc.Config.HTTP.Addr, httpapi.Deps{
		Registry: sc.registry,
		Candles:  sc.candles,
		Repo:     sc.repo,
		Metrics:  sc.metrics.Handler(),
	})
}

// GetWebSocketManager 获取 WebSocket 管理器
func (sc *ServiceContext) GetWebSocketManager() *websocket.WebSocketManager {
	return sc.wsManager
}

// WaitTransport 等待行情 transport 首次连上；超过重试次数返回 ErrNotConnected
func (sc *ServiceContext) WaitTransport(ctx context.Context) error {
	return sc.wsManager.WaitConnected(ctx, sc.exchange)
}

func (sc *ServiceContext) Registry() *service.SubscriptionRegistry { return sc.registry }

func (sc *ServiceContext) Candles() *service.CandleStore { return sc.candles }

func (sc *ServiceContext) Repository() port.Repository { return sc.repo }

// Close 关闭 ServiceContext 中的所有资源
// 应该在应用退出时调用
func (sc *ServiceContext) Close() error {
	// 按照相反的顺序关闭所有资源
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
