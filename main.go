package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/grain-size/internal/apiclient"
	"github.com/example/grain-size/internal/auth"
	"github.com/example/grain-size/internal/broker"
	"github.com/example/grain-size/internal/broker/amqpqueue"
	"github.com/example/grain-size/internal/broker/redisqueue"
	"github.com/example/grain-size/internal/cache"
	"github.com/example/grain-size/internal/config"
	"github.com/example/grain-size/internal/consumer"
	"github.com/example/grain-size/internal/handlers"
	"github.com/example/grain-size/internal/logging"
	"github.com/example/grain-size/internal/metrics"
	"github.com/example/grain-size/internal/pipeline"
	"github.com/example/grain-size/internal/probe"
	"github.com/example/grain-size/internal/repository"
	"github.com/example/grain-size/internal/server"
)

func main() {
	logger, err := logging.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("invalid worker configuration", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	defer startCancel()

	logger.Info("connecting to broker", zap.String("queue", cfg.QueueName))
	queue, err := openBroker(startCtx, cfg.BrokerURL, cfg.QueueName, logger)
	if err != nil {
		logger.Error("failed to connect to broker", zap.Error(err))
		os.Exit(1)
	}
	defer queue.Close()

	reg := metrics.NewRegistry()
	client := apiclient.New(apiclient.Options{
		CoinAPI:     cfg.CoinAPI,
		GrainAPI:    cfg.GrainAPI,
		DatabaseAPI: cfg.DatabaseAPI,
		Timeout:     cfg.HTTPTimeout,
		Logger:      logger,
	})

	opts := pipeline.Options{Metrics: reg, Logger: logger}
	admin := handlers.AdminDeps{Metrics: reg, Logger: logger}

	if cfg.ResultCacheURL != "" {
		redisClient, err := cache.Dial(startCtx, cfg.ResultCacheURL)
		if err != nil {
			logger.Fatal("result cache connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		results := cache.NewResultCache(cache.NewRedisCache(redisClient), cfg.ResultCacheTTL, logger)
		opts.Cache = results
		admin.Results = results
		logger.Info("result cache enabled", zap.Duration("ttl", cfg.ResultCacheTTL))
	}

	if cfg.DatabaseDSN != "" {
		db := initDatabase(startCtx, cfg.DatabaseDSN, logger)
		repo := repository.NewJobRepository(db, logger)
		if err := repo.AutoMigrate(startCtx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Ledger = repo
		admin.Attempts = repo
		logger.Info("run ledger enabled")
	}

	orchestrator := pipeline.NewOrchestrator(client, opts)
	worker := consumer.New(queue, orchestrator, consumer.Options{
		Lease:        cfg.VisibilityTimeout,
		PollInterval: cfg.PollInterval,
		ErrorBackoff: cfg.ErrorBackoff,
		Concurrency:  cfg.Concurrency,
	}, reg, logger)

	var running atomic.Bool
	admin.Ready = running.Load

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterAdminRoutes(r, admin, auth.AdminMiddleware(cfg.AdminJWTSecret, cfg.AdminJWTAudience))
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	adminErr := server.Start(adminServer, nil)
	logger.Info("admin API listening", zap.String("addr", cfg.AdminAddr))

	healthProbe := probe.New(logger)
	probeListener, err := net.Listen("tcp", cfg.HealthGRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for health probe", zap.Error(err))
	}
	go func() {
		if err := healthProbe.Serve(probeListener); err != nil {
			logger.Error("health probe stopped", zap.Error(err))
		}
	}()

	running.Store(true)
	healthProbe.SetServing(true)
	logger.Info("watching queue", zap.String("queue", cfg.QueueName))

	runErr := make(chan error, 1)
	go func() { runErr <- worker.Run(ctx) }()

	adminStopped := false
	select {
	case err := <-runErr:
		if err != nil {
			logger.Error("consumer stopped", zap.Error(err))
		}
	case err := <-adminErr:
		adminStopped = true
		logger.Error("admin API failed", zap.Error(err))
		stop()
		<-runErr
	}

	running.Store(false)
	healthProbe.SetServing(false)
	if !adminStopped {
		if err := server.Shutdown(adminServer, 5*time.Second, adminErr); err != nil {
			logger.Warn("admin API shutdown", zap.Error(err))
		}
	}
	healthProbe.Stop()
	logger.Info("worker stopped")
}

// openBroker picks the queue backend from the URL scheme.
func openBroker(ctx context.Context, rawURL, queueName string, logger *zap.Logger) (broker.Broker, error) {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("%w: broker url %q has no scheme", config.ErrMissingBroker, rawURL)
	}
	switch strings.ToLower(scheme) {
	case "redis", "rediss":
		return redisqueue.Dial(ctx, rawURL, queueName, logger)
	case "amqp", "amqps":
		return amqpqueue.Dial(rawURL, queueName, logger)
	default:
		return nil, errors.New("unsupported broker scheme " + scheme)
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}
