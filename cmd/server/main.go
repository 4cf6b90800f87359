// Package main provides the API server entry point for the carrier lookup service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jesus-bazan-entel/apimovil/internal/api"
	"github.com/jesus-bazan-entel/apimovil/internal/cache"
	"github.com/jesus-bazan-entel/apimovil/internal/carrier"
	"github.com/jesus-bazan-entel/apimovil/internal/config"
	"github.com/jesus-bazan-entel/apimovil/internal/job"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
	"github.com/jesus-bazan-entel/apimovil/internal/resolver"
	"github.com/jesus-bazan-entel/apimovil/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("structured logging initialized")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Postgres")
	}
	defer postgres.Close()

	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	defer redisCache.Close()

	// the audit trail is optional: without ClickHouse the service runs,
	// it just records no per-attempt rows
	var auditRepo *storage.AuditRepository
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, audit trail disabled")
		} else {
			defer clickhouse.Close()
			auditRepo = storage.NewAuditRepository(clickhouse, logger)
			defer auditRepo.Close()
		}
	}

	logger.Info("database connections established")

	jobRepo := storage.NewJobRepository(postgres)
	recordRepo := storage.NewRecordRepository(postgres)
	proxyRepo := storage.NewProxyRepository(postgres)
	blockedRepo := storage.NewBlockedIPRepository(postgres)

	pool := proxy.NewPool(&proxy.PoolConfig{
		BlacklistCooldown: cfg.Proxy.BlacklistCooldown,
		SlowThreshold:     cfg.Proxy.SlowThreshold,
		BreakerThreshold:  cfg.Proxy.BreakerThreshold,
		BreakerCooldown:   cfg.Proxy.BreakerCooldown,
		RequestsPerSecond: cfg.Proxy.RequestsPerSecond,
	})

	sessions := carrier.NewSessionManager(cfg.Carrier, logger)
	client := carrier.NewClient(cfg.Carrier, sessions)

	var auditSink resolver.AuditSink
	if auditRepo != nil {
		auditSink = auditRepo
	}
	numberResolver := resolver.New(cfg.Resolver, pool, sessions, client, auditSink, logger)

	resultCache := cache.NewResultCache(redisCache.Client(), cfg.Cache.Freshness, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// warm the cache from records observed within the freshness window
	if recent, err := recordRepo.ListFresh(ctx, cfg.Cache.Freshness); err != nil {
		logger.WithError(err).Warn("cache bootstrap query failed")
	} else if _, err := resultCache.Bootstrap(ctx, recent); err != nil {
		logger.WithError(err).Warn("cache bootstrap failed")
	}

	registry := job.NewRegistry(cfg.Batch.WorkerIdle, logger)
	defer registry.Shutdown()

	coordinator := job.NewCoordinator(
		cfg.Batch, cfg.Cache, cfg.Watchdog,
		jobRepo, recordRepo, proxyRepo, blockedRepo,
		resultCache, numberResolver,
		pool, registry, redisCache.Client(), logger,
	)

	watchdog := job.NewWatchdog(cfg.Watchdog, coordinator, logger)
	go watchdog.Run(ctx)

	serverConfig := api.DefaultServerConfig(cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(serverConfig, coordinator, pool, blockedRepo, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("server stopped")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("API server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}

	// give in-flight chunk persistence a moment to settle
	time.Sleep(time.Second)
	logger.Info("server exited")
}
