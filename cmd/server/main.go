package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/handler"
	"github.com/GoPolymarket/apigate/internal/middleware"
	"github.com/GoPolymarket/apigate/internal/pkg/logger"
	"github.com/GoPolymarket/apigate/internal/provider"
	"github.com/GoPolymarket/apigate/internal/repository"
	"github.com/GoPolymarket/apigate/internal/service"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Logger
	logger.InitWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	// 3. Initialize Persistence
	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open audit database: %v", err)
	}
	if repository.IsInMemory(cfg.Database) {
		logger.Warn("⚠️ No database DSN configured, audit records are kept in memory only")
	} else {
		logger.Info("✅ Connected to audit database", "driver", cfg.Database.Driver)
	}

	auditStore, err := repository.NewGormAuditStore(db, cfg.Audit)
	if err != nil {
		log.Fatalf("Invalid audit options: %v", err)
	}
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = auditStore.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		log.Fatalf("Failed to migrate audit tables: %v", err)
	}
	logger.Info("Audit tables ready", "mode", auditStore.Mode(), "tables", auditStore.ActiveTables())

	// 4. Retention Sweeper (optional Redis lock for multi-replica deployments)
	sweeper := service.NewRetentionSweeper(
		auditStore,
		time.Duration(cfg.Audit.RetentionIntervalMinutes)*time.Minute,
		cfg.Audit.RetentionDays != nil,
	)
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.Info("✅ Connected to Redis, retention sweeps are coordinated")
			sweeper.WithLock(repository.NewRedisSweepLock(redisClient, cfg.Redis))
		} else {
			logger.Error("⚠️ Failed to connect to Redis, sweeping without lock", "error", err)
			redisClient = nil
		}
	}

	// 5. Initialize Core Services
	upstream, err := provider.NewClient(cfg.Upstream)
	if err != nil {
		log.Fatalf("Invalid upstream config: %v", err)
	}
	auditSvc := service.NewAuditService(auditStore, cfg.Domain, cfg.Audit.Redaction)
	widgetSvc := service.NewWidgetService(upstream, auditSvc, cfg.Domain.APIName)

	// Idempotency (Redis > Memory)
	var idemStore middleware.IdempotencyStore
	if ttl := time.Duration(cfg.Server.IdempotencyTTLMinutes) * time.Minute; ttl > 0 {
		if redisClient != nil {
			idemStore = repository.NewRedisIdempotencyStore(redisClient, ttl)
		} else {
			idemStore = middleware.NewInMemIdempotencyStore(ttl)
		}
	}

	// 6. Setup Router
	gin.SetMode(gin.ReleaseMode)
	r := handler.NewRouter(handler.RouterOptions{
		Widgets:            handler.NewWidgetHandler(widgetSvc),
		Audits:             handler.NewAuditHandler(auditSvc),
		Idempotency:        idemStore,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		MetricsEnabled:     cfg.Metrics.Enabled,
		MetricsPath:        cfg.Metrics.Path,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Run server and sweeper until a signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 APIGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
	}
	sweeper.Stop()

	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("Server exiting")
}
