// Package main provides a headless dispatch worker: it revives active jobs
// left behind by a restart and keeps sweeping them without serving HTTP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

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
	logger := logging.GetGlobalLogger().WithField("service", "dispatch_worker")

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

	registry := job.NewRegistry(cfg.Batch.WorkerIdle, logger)
	defer registry.Shutdown()

	coordinator := job.NewCoordinator(
		cfg.Batch, cfg.Cache, cfg.Watchdog,
		jobRepo, recordRepo, proxyRepo, blockedRepo,
		resultCache, numberResolver,
		pool, registry, redisCache.Client(), logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// pick up jobs that were active when the last process died
	if active, err := jobRepo.ListActive(ctx); err != nil {
		logger.WithError(err).Warn("failed to list active jobs at startup")
	} else {
		for _, j := range active {
			coordinator.ScheduleDispatch(j.OwnerUser, j.FileName)
		}
		logger.WithField("revived", len(active)).Info("rescheduled active jobs")
	}

	watchdog := job.NewWatchdog(cfg.Watchdog, coordinator, logger)
	go watchdog.Run(ctx)

	logger.Info("dispatch worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	cancel()
	logger.Info("dispatch worker exited")
}
