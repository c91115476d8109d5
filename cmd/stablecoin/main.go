package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/wyfcoding/stablecoin/internal/stablecoin/application"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/infrastructure/client"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/infrastructure/messaging"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/infrastructure/persistence/mysql"
	stablecoinhttp "github.com/wyfcoding/stablecoin/internal/stablecoin/interfaces/http"
	"github.com/wyfcoding/stablecoin/pkg/cache"
	"github.com/wyfcoding/stablecoin/pkg/config"
	"github.com/wyfcoding/stablecoin/pkg/db"
	"github.com/wyfcoding/stablecoin/pkg/logger"
	"github.com/wyfcoding/stablecoin/pkg/metrics"
	"github.com/wyfcoding/stablecoin/pkg/middleware"
	"github.com/wyfcoding/stablecoin/pkg/mq"
	"github.com/wyfcoding/stablecoin/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get().With("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		log.Error("init database failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&domain.Stablecoin{},
		&domain.CollateralPosition{},
		&mysql.LedgerAccount{},
		&mysql.LedgerEntry{},
		&messaging.OutboxMessage{},
	); err != nil {
		log.Error("auto migrate failed", "error", err)
		os.Exit(1)
	}

	// Redis
	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		log.Error("init redis failed", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()

	// Kafka
	producer, err := mq.NewProducer(mq.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		GroupID:      cfg.Kafka.GroupID,
		MaxRetries:   3,
		RetryBackoff: 100,
	})
	if err != nil {
		log.Error("init kafka producer failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// 指标
	m := metrics.New("engine")
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			log.Error("register metrics failed", "error", err)
			os.Exit(1)
		}
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			log.Error("start metrics server failed", "error", err)
			os.Exit(1)
		}
	}

	// 预言机：HTTP 客户端 + Redis 缓存
	var oracle domain.Oracle = client.NewHTTPOracle(
		cfg.Oracle.BaseURL,
		time.Duration(cfg.Oracle.Timeout)*time.Second,
		log,
	)
	oracle = client.NewCachedOracle(oracle, redisCache,
		time.Duration(cfg.Oracle.CacheTTL)*time.Second, log)

	// 仓储与出站
	coinRepo := mysql.NewStablecoinRepository(database.DB)
	positionRepo := mysql.NewPositionRepository(database.DB)
	ledger := mysql.NewLedger(database.DB)
	txManager := mysql.NewTransactionManager(database.DB)
	publisher := messaging.NewOutboxPublisher(database.DB)
	relay := messaging.NewOutboxRelay(database.DB, producer, time.Second, log)

	// 应用服务
	analytics := application.NewCollateralAnalyticsService(coinRepo, positionRepo, oracle, log)
	issuance := application.NewIssuanceService(coinRepo, positionRepo, ledger, oracle, txManager, publisher, m, log)
	liquidation := application.NewLiquidationService(coinRepo, positionRepo, ledger, oracle, txManager, publisher,
		cfg.Engine.SystemLiquidator, log)
	stability := application.NewStabilityService(coinRepo, oracle, txManager, publisher,
		application.StabilityConfig{}, log)

	liquidationEngine := application.NewLiquidationEngine(coinRepo, positionRepo, liquidation, m,
		time.Duration(cfg.Engine.LiquidationInterval)*time.Second, log)
	stabilityMonitor := application.NewStabilityMonitor(stability, m,
		time.Duration(cfg.Engine.StabilityInterval)*time.Second, log)

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.GinRecoveryMiddleware(), middleware.GinLoggingMiddleware(), middleware.GinCORSMiddleware())
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewRedisRateLimiter(redisCache.GetClient())
		router.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	stablecoinhttp.NewHandler(analytics, issuance, liquidation, stability).RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// gRPC：健康检查与反射
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.GRPCRecoveryInterceptor(),
			middleware.GRPCLoggingInterceptor(),
		),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info("grpc server starting", "addr", addr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error { return relay.Start(gctx) })
	g.Go(func() error { return liquidationEngine.Start(gctx) })
	g.Go(func() error { return stabilityMonitor.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("service stopped")
}
