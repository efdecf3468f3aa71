package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/internal/server"
	"github.com/BaSui01/gateflow/persistence"
	"github.com/BaSui01/gateflow/queue"
)

// =============================================================================
// ⚙️ worker 命令
// =============================================================================
// worker 从 Redis 队列取出 step 执行并回写结果。执行器直接写存储，
// 因此 worker 必须与 API 进程共享同一个数据库。
// =============================================================================

func runWorker(args []string) {
	cfg := loadConfig("worker", args)

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	if err := serveWorker(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
	logger.Info("Gateflow worker stopped")
}

func serveWorker(cfg *config.Config, logger *zap.Logger) error {
	if !cfg.Queue.Enabled {
		return errors.New("queue.enabled is false, nothing to consume")
	}
	if cfg.Database.Driver == "memory" {
		return errors.New("worker requires a shared database, driver memory is process-local")
	}

	store, err := persistence.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	redisCfg := cache.ConfigFrom(cfg.Redis)
	redisCfg.HealthCheckInterval = 0
	mgr, err := cache.NewManager(redisCfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("gateflow", registry, logger)

	// worker 只暴露 /metrics
	var metricsManager *server.Manager
	if cfg.Server.MetricsPort > 0 {
		mux := metricsMux(registry)
		sc := server.ConfigFrom(cfg.Server.MetricsPort, cfg.Server)
		sc.TLSCertFile, sc.TLSKeyFile = "", ""
		metricsManager = server.NewManager("worker-metrics", mux, sc, logger)
		if err := metricsManager.Start(); err != nil {
			return err
		}
		defer func() { _ = metricsManager.Shutdown(context.Background()) }()
	}

	executor := newExecutor(store.Repository, cfg.Scheduler, collector, logger)
	worker := queue.NewWorker(mgr.Client(), executor, queue.WorkerConfig{
		KeyPrefix:   cfg.Queue.KeyPrefix,
		Concurrency: cfg.Queue.Workers,
		ResultTTL:   cfg.Queue.ResultTTL,
	}, logger).WithRecorder(collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Gateflow worker started",
		zap.String("version", Version),
		zap.String("key_prefix", cfg.Queue.KeyPrefix),
		zap.Int("concurrency", cfg.Queue.Workers),
	)

	return worker.Run(ctx)
}
