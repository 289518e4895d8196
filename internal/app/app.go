// Package app 提供 mission-indexer 服务的应用生命周期管理
//
// ========================================
// mission-indexer 服务对接说明
// ========================================
//
// ## 服务职责
// mission-indexer 是任务合约索引服务，负责:
// 1. 快照调和 (Reconcile): 把链上任务状态幂等镜像到 PostgreSQL
// 2. 阶段调度 (Schedule): 在报名截止/冷却/任务结束等时点驱动刷新
// 3. 链上动作 (Action): 任务结束后触发 finalizeMission / refundPlayers
// 4. 推送回调 (Notify): 向推送服务发送 mission-updated 等 HTTP 回调
//
// ## 踢醒队列对接
// API 侧确认用户交易后向 indexer_kicks 表插入一行，并
// NOTIFY mission_kicks 唤醒调度器立即排水。
//
// ## 单实例约束
// 调度循环会发送链上交易，靠 Redis 领导锁保证同一时刻只有
// 一个实例在驱动。备用实例阻塞在锁上，主实例退出后接管。
//
// ## 数据库
// - 数据库名: mission_indexer
// - 表结构由 AutoMigrate 维护 (migrate.go)
//
// ========================================
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/missionprotocol/mission-indexer/internal/blockchain"
	"github.com/missionprotocol/mission-indexer/internal/config"
	"github.com/missionprotocol/mission-indexer/internal/contract"
	"github.com/missionprotocol/mission-indexer/internal/notify"
	"github.com/missionprotocol/mission-indexer/internal/repository"
	"github.com/missionprotocol/mission-indexer/internal/service"
	"github.com/missionprotocol/mission-indexer/pkg/lock"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

const (
	leaderLockKey    = "mission-indexer:leader"
	leaderLockTTL    = 30 * time.Second
	leaderLockRenew  = 10 * time.Second
	countersInterval = time.Hour
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 区块链
	blockchainClient *blockchain.Client
	missionCaller    *contract.MissionCaller
	factoryCaller    *contract.FactoryCaller
	breaker          *blockchain.CycleBreaker
	pacer            *blockchain.Pacer

	// 仓储
	baseRepo    *repository.Repository
	missionRepo repository.MissionRepository
	playerRepo  repository.PlayerRepository
	roundRepo   repository.RoundRepository
	historyRepo repository.HistoryRepository
	cursorRepo  repository.CursorRepository
	kickRepo    repository.KickRepository
	benignRepo  repository.BenignErrorRepository

	// 服务
	reconcilerSvc  *service.ReconcilerService
	actionSvc      *service.ActionService
	factorySyncSvc *service.FactorySyncService
	schedulerSvc   *service.SchedulerService
	kickListener   *service.KickListenerService

	// 其他
	notifyClient *notify.Client
	leaderLock   *lock.RedisLock
	httpServer   *http.Server

	// 运行控制
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()
	app.initHTTP()

	return app, nil
}

// dsn 数据库连接串 (gorm 和 pgx 监听连接共用)
func (a *App) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	db, err := gorm.Open(postgres.Open(a.dsn()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis (领导锁)
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", a.cfg.Redis.Addr))

	a.leaderLock = lock.NewLock(a.redis, leaderLockKey, leaderLockTTL)
	return nil
}

// initBlockchain 初始化区块链客户端与合约绑定
func (a *App) initBlockchain() error {
	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:    a.cfg.Blockchain.ChainID,
		PrivateKey: a.cfg.Blockchain.PrivateKey,
		RPCURLs:    rpcURLs,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = client

	a.missionCaller, err = contract.NewMissionCaller(client)
	if err != nil {
		return fmt.Errorf("failed to bind mission contract: %w", err)
	}

	factoryAddr := common.HexToAddress(a.cfg.Blockchain.FactoryAddress)
	a.factoryCaller, err = contract.NewFactoryCaller(factoryAddr, client)
	if err != nil {
		return fmt.Errorf("failed to bind factory contract: %w", err)
	}

	a.breaker = blockchain.NewCycleBreaker(&blockchain.CycleBreakerConfig{
		FailThreshold: a.cfg.Breaker.FailThreshold,
		Suspend:       time.Duration(a.cfg.Breaker.SuspendSec) * time.Second,
		MaxTrips:      a.cfg.Breaker.MaxTrips,
	})
	a.pacer = blockchain.NewPacer()

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.String("factory", a.cfg.Blockchain.FactoryAddress),
		zap.Bool("signer", client.HasSigner()))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.baseRepo = repository.NewRepository(a.db)
	a.missionRepo = repository.NewMissionRepository(a.db)
	a.playerRepo = repository.NewPlayerRepository(a.db)
	a.roundRepo = repository.NewRoundRepository(a.db)
	a.historyRepo = repository.NewHistoryRepository(a.db)
	a.cursorRepo = repository.NewCursorRepository(a.db)
	a.kickRepo = repository.NewKickRepository(a.db)
	a.benignRepo = repository.NewBenignErrorRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	a.notifyClient = notify.NewClient(&notify.ClientConfig{
		BaseURL: a.cfg.Push.BaseURL,
		APIKey:  a.cfg.Push.APIKey,
		Timeout: time.Duration(a.cfg.Push.TimeoutSec) * time.Second,
	})

	a.reconcilerSvc = service.NewReconcilerService(
		a.missionCaller,
		a.baseRepo,
		a.missionRepo,
		a.playerRepo,
		a.roundRepo,
		a.historyRepo,
	)

	a.actionSvc = service.NewActionService(
		a.blockchainClient,
		a.missionCaller,
		a.missionRepo,
	)

	a.factorySyncSvc = service.NewFactorySyncService(
		a.factoryCaller,
		a.reconcilerSvc,
		a.cursorRepo,
		a.pacer,
		a.cfg.Blockchain.DeployBlockSeq,
		time.Duration(a.cfg.Indexer.PacerBudgetSec)*time.Second,
	)

	a.schedulerSvc = service.NewSchedulerService(
		&service.SchedulerConfig{
			TickInterval:     time.Second,
			FactoryPollTicks: a.cfg.Indexer.FactoryPollTicks,
			KickBatchSize:    a.cfg.Indexer.KickBatchSize,
			PhaseWindow:      time.Duration(a.cfg.Indexer.PhaseWindowSec) * time.Second,
		},
		a.reconcilerSvc,
		a.actionSvc,
		a.factorySyncSvc,
		a.missionRepo,
		a.kickRepo,
		a.notifyClient,
		a.breaker,
	)

	a.kickListener = service.NewKickListenerService(a.dsn(), a.schedulerSvc)

	logger.Info("services initialized")
}

// initHTTP 初始化 HTTP 服务 (指标与健康检查)
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: mux,
	}
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// HTTP 先起来，等锁期间健康检查也要可用
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 领导锁: 阻塞到成为主实例
	logger.Info("acquiring leader lock", zap.String("key", leaderLockKey))
	if err := a.leaderLock.AcquireOrWait(ctx, 5*time.Second); err != nil {
		return fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	logger.Info("leader lock acquired")
	go a.renewLeaderLock(ctx)

	// 踢醒监听
	if err := a.kickListener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kick listener: %w", err)
	}

	// 调度主循环
	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- a.schedulerSvc.Run(ctx)
	}()

	// 后台任务
	go a.runBackgroundTasks(ctx)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	case err := <-schedulerDone:
		if err != nil && err != context.Canceled {
			logger.Error("scheduler exited", zap.Error(err))
		}
	}

	cancel()
	return a.shutdown()
}

// renewLeaderLock 周期续期领导锁; 续期失败说明锁被抢走，主动退出
func (a *App) renewLeaderLock(ctx context.Context) {
	ticker := time.NewTicker(leaderLockRenew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.leaderLock.Extend(ctx, leaderLockTTL); err != nil {
				logger.Error("leader lock lost, shutting down", zap.Error(err))
				a.Stop()
				return
			}
		}
	}
}

// runBackgroundTasks 运行后台任务
func (a *App) runBackgroundTasks(ctx context.Context) {
	// 每小时输出一次 RPC 调用计数并落库良性错误汇总
	flushTicker := time.NewTicker(countersInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-flushTicker.C:
			a.flushCounters(ctx)
		}
	}
}

// flushCounters 输出调用计数并把良性错误日汇总写入数据库
func (a *App) flushCounters(ctx context.Context) {
	byLabel, bySite, window := a.blockchainClient.Counters().Flush()
	if len(byLabel) > 0 {
		logger.Info("rpc call counters",
			zap.Duration("window", window),
			zap.Any("by_label", byLabel),
			zap.Any("by_site", bySite))
	}

	for day, keys := range a.blockchainClient.Benign().Drain() {
		for key, n := range keys {
			if err := a.benignRepo.IncrDaily(ctx, day, key, n); err != nil {
				logger.Error("failed to persist benign error rollup",
					zap.String("day", day),
					zap.String("key", key),
					zap.Error(err))
			}
		}
	}
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	// 停止踢醒监听
	if a.kickListener != nil {
		a.kickListener.Stop()
	}

	// 关闭 HTTP
	if a.httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}

	// 落库剩余的良性错误汇总
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.flushCounters(flushCtx)
	flushCancel()

	// 释放领导锁
	if a.leaderLock != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := a.leaderLock.Release(releaseCtx); err != nil && err != lock.ErrLockNotHeld {
			logger.Warn("failed to release leader lock", zap.Error(err))
		}
		releaseCancel()
	}

	// 关闭 Redis
	if a.redis != nil {
		_ = a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}
