package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/api/handlers"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/internal/migration"
	"github.com/BaSui01/gateflow/internal/server"
	"github.com/BaSui01/gateflow/internal/telemetry"
	"github.com/BaSui01/gateflow/persistence"
	"github.com/BaSui01/gateflow/queue"
	"github.com/BaSui01/gateflow/workflow"
)

// dbStatsInterval 连接池指标的采样间隔
const dbStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 Gateflow 的主服务器：HTTP API、调度器与指标服务
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 基础设施
	telemetry *telemetry.Providers
	store     *persistence.Store
	cache     *cache.Manager
	registry  *prometheus.Registry
	collector *metrics.Collector

	// 核心组件
	scheduler    *workflow.Scheduler
	orchestrator *workflow.Orchestrator
	gate         *workflow.RiskGate
	executor     *workflow.Executor // 仅直接派发时非 nil

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后台 goroutine 生命周期
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务；任一步失败时已初始化的资源由 Shutdown 释放
func (s *Server) Start() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// 1. 遥测
	providers, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.telemetry = providers

	// 2. 指标
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("gateflow", s.registry, s.logger)

	// 3. 存储
	if err := s.initStore(bgCtx); err != nil {
		s.Shutdown()
		return err
	}

	// 4. Redis（队列或幂等键需要）
	if err := s.initCache(); err != nil {
		s.Shutdown()
		return err
	}

	// 5. 核心组件
	if err := s.initWorkflow(); err != nil {
		s.Shutdown()
		return err
	}

	// 6. HTTP 与指标服务
	if err := s.startHTTPServer(bgCtx); err != nil {
		s.Shutdown()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		s.Shutdown()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 7. 恢复未结束的 run
	if s.cfg.Scheduler.ResumeOnStart {
		s.resumeRuns(bgCtx)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.store.Driver()),
		zap.Bool("queue_enabled", s.cfg.Queue.Enabled),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initStore(ctx context.Context) error {
	if s.cfg.Database.Driver != "memory" && s.cfg.Database.AutoMigrate {
		if err := autoMigrate(ctx, s.cfg.Database, s.logger); err != nil {
			return err
		}
	}

	store, err := persistence.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store

	if _, ok := store.Stats(); ok {
		s.wg.Add(1)
		go s.recordDBStats(ctx)
	}
	return nil
}

func (s *Server) initCache() error {
	if !s.cfg.Queue.Enabled && s.cfg.Redis.Addr == "" {
		return nil
	}
	mgr, err := cache.NewManager(cache.ConfigFrom(s.cfg.Redis), s.logger)
	if err != nil {
		if s.cfg.Queue.Enabled {
			return fmt.Errorf("queue requires redis: %w", err)
		}
		// 仅幂等键依赖 Redis 时降级为无幂等
		s.logger.Warn("redis not available, Idempotency-Key disabled", zap.Error(err))
		return nil
	}
	s.cache = mgr
	return nil
}

func (s *Server) initWorkflow() error {
	repo := s.store.Repository
	sc := s.cfg.Scheduler

	s.gate = workflow.NewRiskGate(repo,
		workflow.ThresholdPolicy{Threshold: workflow.RiskLevel(sc.ApprovalThreshold)},
		s.logger,
	).WithRecorder(s.collector)

	var dispatcher workflow.Dispatcher
	if s.cfg.Queue.Enabled {
		dispatcher = queue.NewRedisDispatcher(s.cache.Client(), queue.DispatcherConfig{
			KeyPrefix:     s.cfg.Queue.KeyPrefix,
			ResultTimeout: s.cfg.Queue.ResultTimeout,
			ResultTTL:     s.cfg.Queue.ResultTTL,
		}, s.logger).WithRecorder(s.collector)
	} else {
		s.executor = newExecutor(repo, sc, s.collector, s.logger)
		dispatcher = workflow.NewDirectDispatcher(s.executor)
	}

	s.scheduler = workflow.NewScheduler(
		repo,
		s.gate,
		dispatcher,
		workflow.NewAggregator(repo, s.logger),
		workflow.SchedulerConfig{
			Interval:            sc.Interval,
			MaxRounds:           sc.MaxRounds,
			DispatchConcurrency: sc.DispatchConcurrency,
			CascadeSkip:         sc.CascadeSkip,
		},
		s.logger,
	).WithRecorder(s.collector)

	effective := s.scheduler.Config()
	s.logger.Info("scheduler configured",
		zap.Duration("interval", effective.Interval),
		zap.Int("max_rounds", effective.MaxRounds),
		zap.Int("dispatch_concurrency", effective.DispatchConcurrency),
		zap.Bool("cascade_skip", effective.CascadeSkip),
		zap.Bool("queue", s.cfg.Queue.Enabled),
	)

	s.orchestrator = workflow.NewOrchestrator(repo, workflow.NewKeywordPlanner(), s.logger)
	return nil
}

// newExecutor 构造执行器；serve（直接派发）与 worker 共用
func newExecutor(repo workflow.Repository, sc config.SchedulerConfig, rec workflow.Recorder, logger *zap.Logger) *workflow.Executor {
	return workflow.NewExecutor(repo, workflow.NewRegistry(), sc.MaxAttempts, logger).WithRecorder(rec)
}

// autoMigrate 启动时执行 migrate up
func autoMigrate(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	logger.Info("database schema up to date",
		zap.String("driver", dbCfg.Driver),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// resumeRuns 为未结束的 run 重新启动调度循环。直接派发模式下，上次进程遗留的
// running step 不会再有结果，先按失败的尝试收回；队列模式下它们可能仍在 worker 中执行。
func (s *Server) resumeRuns(ctx context.Context) {
	runs, err := s.store.Repository.ListRuns(ctx, workflow.RunFilter{
		States: []workflow.RunState{
			workflow.RunStateQueued,
			workflow.RunStatePlanning,
			workflow.RunStateWaitingApproval,
			workflow.RunStateExecuting,
		},
	})
	if err != nil {
		s.logger.Error("failed to list runs for resume", zap.Error(err))
		return
	}
	for _, run := range runs {
		if s.executor != nil {
			if _, err := s.executor.Reclaim(ctx, run.ID); err != nil {
				s.logger.Error("failed to reclaim interrupted steps", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
		}
		s.scheduler.Start(run.ID)
	}
	if len(runs) > 0 {
		s.logger.Info("resumed scheduling loops", zap.Int("runs", len(runs)))
	}
}

func (s *Server) recordDBStats(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()

	driver := s.store.Driver()
	for {
		if stats, ok := s.store.Stats(); ok {
			s.collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()

	// 健康检查端点
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	if s.cache != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	// API 路由
	wf := handlers.NewWorkflowHandler(s.store.Repository, s.orchestrator, s.gate, s.scheduler, s.logger)
	if s.cache != nil {
		wf = wf.WithIdempotency(s.cache, s.collector)
	}
	wf.Register(mux)

	// 中间件链
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	}
	if s.cfg.JWT.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	// SSE 与 WebSocket 是长连接，不设写超时
	serverConfig := server.ConfigFrom(s.cfg.Server.HTTPPort, s.cfg.Server)
	serverConfig.WriteTimeout = 0

	s.httpManager = server.NewManager("api", handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("metrics server disabled")
		return nil
	}
	serverConfig := server.ConfigFrom(s.cfg.Server.MetricsPort, s.cfg.Server)
	// 指标端口只走明文
	serverConfig.TLSCertFile, serverConfig.TLSKeyFile = "", ""

	s.metricsManager = server.NewManager("metrics", metricsMux(s.registry), serverConfig, s.logger)
	return s.metricsManager.Start()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForSignal()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务：先停止接收请求，再停止调度循环，最后释放存储
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止调度循环，等待进行中的轮次结束
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(ctx); err != nil {
			s.logger.Error("scheduler shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 停止后台 goroutine
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.wg.Wait()

	// 5. 释放连接
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
