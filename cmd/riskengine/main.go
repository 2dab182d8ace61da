package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	ledgerapp "github.com/wyfcoding/spotmargin/internal/ledger/application"
	ledgermysql "github.com/wyfcoding/spotmargin/internal/ledger/infrastructure/persistence/mysql"
	ledgerhttp "github.com/wyfcoding/spotmargin/internal/ledger/interfaces/http"
	liquidationapp "github.com/wyfcoding/spotmargin/internal/liquidation/application"
	liquidationhttp "github.com/wyfcoding/spotmargin/internal/liquidation/interfaces/http"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	oracleredis "github.com/wyfcoding/spotmargin/internal/oracle/infrastructure/redis"
	registryapp "github.com/wyfcoding/spotmargin/internal/registry/application"
	registrymysql "github.com/wyfcoding/spotmargin/internal/registry/infrastructure/persistence/mysql"
	registryhttp "github.com/wyfcoding/spotmargin/internal/registry/interfaces/http"
	settlementapp "github.com/wyfcoding/spotmargin/internal/settlement/application"
	"github.com/wyfcoding/spotmargin/internal/settlement/infrastructure/adapter"
	settlementhttp "github.com/wyfcoding/spotmargin/internal/settlement/interfaces/http"
	"github.com/wyfcoding/spotmargin/pkg/config"
	"github.com/wyfcoding/spotmargin/pkg/logger"
	"github.com/wyfcoding/spotmargin/pkg/metrics"
	"github.com/wyfcoding/spotmargin/pkg/mq"
)

var configPath = flag.String("config", "configs/riskengine/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Logger); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	log := logger.Get()

	// 3. 初始化指标
	metricsImpl := metrics.New(cfg.ServiceName)

	// 4. 初始化基础设施
	db, err := gorm.Open(gormmysql.Open(cfg.Database.DSN), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		slog.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("failed to get sql db", "error", err)
		os.Exit(1)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	// Auto Migrate (仅用于开发方便)
	if cfg.Environment == "dev" {
		if err := db.AutoMigrate(
			&registrymysql.MarketModel{},
			&ledgermysql.PositionModel{},
			&ledgermysql.PositionBalanceModel{},
			&ledgermysql.PositionOrderModel{},
		); err != nil {
			slog.Error("failed to migrate database", "error", err)
		}
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	producer := mq.NewProducer(mq.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	defer producer.Close()

	// 5. 初始化预言机与仓储
	priceSource := oracleredis.NewPriceSource(redisClient, cfg.Redis.PriceKeyPrefix)
	oracle := oracledomain.NewOracle(priceSource, oracledomain.GuardRails{
		MaxConfidenceRatio: decimal.NewFromFloat(cfg.Oracle.MaxConfidenceRatio),
	})
	maxStaleness := time.Duration(cfg.Oracle.MaxStalenessSeconds) * time.Second

	marketStore := registrymysql.NewMarketRepo(db)
	uow := ledgermysql.NewUnitOfWork(db)
	venue := adapter.NewVenueClient(cfg.Venue.Endpoint, time.Duration(cfg.Venue.RequestTimeout)*time.Second)

	// 6. 初始化应用服务
	registrySvc := registryapp.NewRegistryService(marketStore, cfg.Admin.Token, log)
	ledgerSvc := ledgerapp.NewLedgerService(uow, oracle, maxStaleness, metricsImpl, log)
	bridgeSvc := settlementapp.NewBridgeService(uow, venue, oracle, maxStaleness, producer, cfg.Kafka.RiskTopic, metricsImpl, log)
	liquidationEngine := liquidationapp.NewEngine(uow, oracle, maxStaleness, producer, cfg.Kafka.RiskTopic, metricsImpl, log)

	// 7. 初始化接口层
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	registryhttp.NewHandler(registrySvc).RegisterRoutes(api)
	ledgerhttp.NewHandler(ledgerSvc).RegisterRoutes(api)
	settlementhttp.NewHandler(bridgeSvc).RegisterRoutes(api)
	liquidationhttp.NewHandler(liquidationEngine).RegisterRoutes(api)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, metricsImpl.Handler())
	}

	// 8. 启动服务
	g, ctx := errgroup.WithContext(context.Background())

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	g.Go(func() error {
		slog.Info("HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 9. 优雅关闭
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			slog.Info("shutting down server...")
		case <-ctx.Done():
			slog.Info("context cancelled, shutting down...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
	}
}
