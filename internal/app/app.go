// Package app 提供 veripay-settlement 服务的应用生命周期管理
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/veripay-labs/veripay-settlement/internal/chain"
	"github.com/veripay-labs/veripay-settlement/internal/config"
	"github.com/veripay-labs/veripay-settlement/internal/handler"
	"github.com/veripay-labs/veripay-settlement/internal/kafka"
	"github.com/veripay-labs/veripay-settlement/internal/middleware"
	"github.com/veripay-labs/veripay-settlement/internal/repository"
	"github.com/veripay-labs/veripay-settlement/internal/service"
	"github.com/veripay-labs/veripay-settlement/pkg/lock"
	"github.com/veripay-labs/veripay-settlement/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 链上网关
	gateway *chain.Gateway

	// 仓储
	settlementRepo repository.SettlementRepository
	attemptRepo    repository.AttemptRepository

	// 服务
	settlementSvc     *service.SettlementService
	reconciliationSvc *service.ReconciliationService

	// Kafka
	kafkaProducer  *kafka.Producer
	eventPublisher *kafka.KafkaEventPublisher

	// HTTP
	httpServer *http.Server

	// 运行控制
	stopCh chan struct{}
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

	if err := app.initGateway(); err != nil {
		return nil, fmt.Errorf("failed to init ledger gateway: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initHTTP()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
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

	// Redis (可选, 仅用于每代币锁)
	if a.cfg.Redis.Enabled {
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
	}

	return nil
}

// initGateway 初始化链上结算网关
func (a *App) initGateway() error {
	gateway, err := chain.NewGateway(&chain.Config{
		RPCURL:       a.cfg.Ledger.RPCURL,
		Mnemonic:     a.cfg.Ledger.Mnemonic,
		PackageID:    a.cfg.Ledger.PackageID,
		Module:       a.cfg.Ledger.Module,
		Function:     a.cfg.Ledger.Function,
		RegistryID:   a.cfg.Ledger.RegistryID,
		AdminCapID:   a.cfg.Ledger.AdminCapID,
		VaultID:      a.cfg.Ledger.VaultID,
		ClockID:      a.cfg.Ledger.ClockID,
		ProtocolID:   a.cfg.Protocol.ID,
		GasBudget:    a.cfg.Ledger.GasBudget,
		DefaultLabel: a.cfg.Settlement.DefaultSubjectLabel,
	})
	if err != nil {
		return err
	}

	a.gateway = gateway
	logger.Info("ledger gateway initialized",
		zap.String("package_id", gateway.PackageID()),
		zap.String("admin", gateway.AdminAddress()))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.settlementRepo = repository.NewSettlementRepository(a.db)
	a.attemptRepo = repository.NewAttemptRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	var locker *lock.RedisLocker
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis, "settlement:subject:", 30*time.Second)
	}

	a.settlementSvc = service.NewSettlementService(
		a.settlementRepo,
		a.attemptRepo,
		a.gateway,
		locker,
		&service.SettlementServiceConfig{
			ProtocolID:       a.cfg.Protocol.ID,
			ProtocolName:     a.cfg.Protocol.Name,
			ProtocolAccount:  a.cfg.Protocol.Account,
			SettlementAmount: a.cfg.Settlement.FeeAmount,
			ExplorerURL:      a.cfg.Ledger.ExplorerURL,
		},
	)

	a.reconciliationSvc = service.NewReconciliationService(
		a.settlementRepo,
		a.attemptRepo,
		a.gateway,
		&service.ReconciliationConfig{
			Interval:         time.Duration(a.cfg.Settlement.ReconcileInterval) * time.Second,
			BatchSize:        a.cfg.Settlement.ReconcileBatchSize,
			MaxRetries:       a.cfg.Settlement.ReconcileMaxRetries,
			ProtocolID:       a.cfg.Protocol.ID,
			ProtocolName:     a.cfg.Protocol.Name,
			ProtocolAccount:  a.cfg.Protocol.Account,
			SettlementAmount: a.cfg.Settlement.FeeAmount,
		},
	)

	logger.Info("services initialized")
}

// initKafka 初始化 Kafka (可选)
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled, settlement events will not be published")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)

	// 设置事件回调
	a.settlementSvc.SetOnSettlementRecorded(a.eventPublisher.PublishSettlementRecorded)

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		middleware.Recovery(),
		middleware.Logger(),
		middleware.CORS(),
		middleware.Metrics(),
	)

	// 引擎级端点
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	settlementHandler := handler.NewSettlementHandler(a.settlementSvc, handler.HealthInfo{
		AdminAccount:    a.gateway.AdminAddress(),
		ContractAddress: a.gateway.PackageID(),
		ProtocolID:      a.cfg.Protocol.ID,
		ProtocolName:    a.cfg.Protocol.Name,
	})
	settlementHandler.RegisterRoutes(engine)

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: engine,
	}

	logger.Info("http server initialized", zap.Int("port", a.cfg.Service.HTTPPort))
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台对账循环
	a.reconciliationSvc.Start(ctx)

	// 启动 HTTP 服务器
	go func() {
		logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	// 停止接收新请求
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	// 停止对账循环
	if a.reconciliationSvc != nil {
		a.reconciliationSvc.Stop()
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	// 关闭 Redis
	if a.redis != nil {
		a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
