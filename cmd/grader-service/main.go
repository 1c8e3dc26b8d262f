package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"querylab/internal/common/cache"
	"querylab/internal/common/db"
	commonmw "querylab/internal/common/http/middleware"
	"querylab/internal/common/mq"
	"querylab/internal/common/storage"
	"querylab/internal/grader/controller"
	"querylab/internal/grader/ledger"
	"querylab/internal/grader/probe"
	"querylab/internal/grader/repository"
	"querylab/internal/grader/sandbox"
	"querylab/internal/grader/service"
	"querylab/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	pg, err := db.NewPostgreSQLWithConfig(ctx, appCfg.postgresConfig())
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = pg.Close()
	}()
	if appCfg.Database.InitSchema {
		if err := repository.InitSchema(ctx, pg); err != nil {
			logger.Error(ctx, "init schema failed", zap.Error(err))
			return
		}
	}

	var assignmentCache cache.Cache
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(ctx, appCfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		assignmentCache = redisCache
	}

	var events ledger.EventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		kafkaCfg, err := appCfg.kafkaConfig()
		if err != nil {
			logger.Error(ctx, "invalid kafka config", zap.Error(err))
			return
		}
		producer, err := mq.NewKafkaQueue(kafkaCfg)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		events = repository.NewMQAttemptEventPublisher(producer, appCfg.Kafka.Topic)
	}

	var archive service.OutputArchiver
	if appCfg.Archive.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.Archive.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
		if err := objStorage.EnsureBucket(ctx, appCfg.Archive.MinIO.Bucket); err != nil {
			logger.Error(ctx, "ensure archive bucket failed", zap.Error(err))
			return
		}
		archive = repository.NewOutputArchive(objStorage, appCfg.Archive.MinIO.Bucket, appCfg.Archive.Prefix)
	}

	sandboxCfg, err := appCfg.sandboxConfig()
	if err != nil {
		logger.Error(ctx, "invalid sandbox config", zap.Error(err))
		return
	}
	runner, err := sandbox.NewProcessRunner(sandboxCfg)
	if err != nil {
		logger.Error(ctx, "init sandbox failed", zap.Error(err))
		return
	}
	executor := sandbox.NewExecutor(runner, sandboxCfg)

	assignments := repository.NewAssignmentRepository(pg, assignmentCache, appCfg.Grading.AssignmentTTL, appCfg.Grading.AssignmentNilTTL)
	attempts := ledger.New(repository.NewAttemptRepository(pg), events)
	gradingService := service.NewService(
		assignments,
		executor,
		probe.New(executor, appCfg.Grading.ProbeSampleSize),
		attempts,
		archive,
		service.Config{
			MaxCodeBytes:     appCfg.Grading.MaxCodeBytes,
			SchemaSampleSize: appCfg.Grading.SchemaSampleSize,
		},
	)

	httpServer := buildHTTPServer(appCfg, gradingService, pg)
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grader http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("shell", sandboxCfg.BinaryPath),
			zap.Int("pool_size", sandboxCfg.PoolSize),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func buildHTTPServer(cfg *AppConfig, gradingService *service.Service, database pinger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1", commonmw.IdentityMiddleware(commonmw.IdentityConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		JWTIssuer: cfg.Auth.JWTIssuer,
	}))
	controller.NewAttemptController(gradingService).Register(api)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
