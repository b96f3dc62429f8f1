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
	"time"

	"tci/internal/common/cache"
	"tci/internal/common/mq"
	"tci/internal/common/storage"
	"tci/internal/controller"
	"tci/internal/dispatch"
	"tci/internal/events"
	"tci/internal/governor"
	"tci/internal/pool"
	"tci/internal/reward"
	"tci/internal/runtime"
	"tci/internal/sandbox/engine"
	"tci/internal/security"
	"tci/internal/service"
	"tci/internal/session"
	"tci/internal/store"
	"tci/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/tci_service.yaml"

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

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	var publisher events.Publisher = events.Noop{}
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, prodErr := mq.NewKafkaProducer(appCfg.Kafka)
		if prodErr != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(prodErr))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = events.NewMQPublisher(producer, appCfg.Events.Topic)
	} else {
		logger.Warn(context.Background(), "kafka brokers not configured, lifecycle events disabled")
	}

	eng, err := engine.NewEngine(appCfg.Sandbox)
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}

	registry, err := runtime.NewRegistry(appCfg.Runtimes, eng)
	if err != nil {
		logger.Error(context.Background(), "init runtime registry failed", zap.Error(err))
		return
	}

	sandboxPool, err := pool.New(appCfg.Pool, registry)
	if err != nil {
		logger.Error(context.Background(), "init sandbox pool failed", zap.Error(err))
		return
	}
	warmCtx, warmCancel := context.WithTimeout(context.Background(), time.Minute)
	err = sandboxPool.WarmUp(warmCtx)
	warmCancel()
	if err != nil {
		logger.Error(context.Background(), "warm up sandbox pool failed", zap.Error(err))
		return
	}

	gate, err := security.NewGate(appCfg.Security.ExtraPatterns)
	if err != nil {
		logger.Error(context.Background(), "init security gate failed", zap.Error(err))
		return
	}
	gov, err := governor.New(appCfg.Governor.Profiles, appCfg.Governor.DefaultProfile)
	if err != nil {
		logger.Error(context.Background(), "init resource governor failed", zap.Error(err))
		return
	}

	stateStore, err := store.NewClient(appCfg.Store, redisCache, objStorage, appCfg.MinIO.Bucket)
	if err != nil {
		logger.Error(context.Background(), "init state store failed", zap.Error(err))
		return
	}

	dispatcher := dispatch.New(registry, gate, gov, reward.New(appCfg.Reward), publisher)
	manager, err := session.NewManager(appCfg.Session, sandboxPool, gate, dispatcher, stateStore, publisher)
	if err != nil {
		logger.Error(context.Background(), "init session manager failed", zap.Error(err))
		return
	}
	if err := manager.Start(); err != nil {
		logger.Error(context.Background(), "start session manager failed", zap.Error(err))
		return
	}

	svc := service.New(manager, stateStore, gov)
	httpServer := buildHTTPServer(appCfg.Server, svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Strings("languages", registry.Languages()))
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	manager.Stop(ctx)
	if err := sandboxPool.Close(ctx); err != nil {
		logger.Error(context.Background(), "sandbox pool close failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg ServerConfig, svc *service.Service) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	controller.New(svc).RegisterRoutes(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
