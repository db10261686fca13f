package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	pipelineapp "audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/infrastructure/database/persistence"
	"audio-pipeline/ddd/infrastructure/queue"
	"audio-pipeline/internal/resource"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/logger"
	"audio-pipeline/pkg/manager"
	"audio-pipeline/pkg/middleware"
	"audio-pipeline/pkg/observability"
	"audio-pipeline/pkg/registry"
	"audio-pipeline/pkg/task"

	// 导入控制器包以触发init函数
	_ "audio-pipeline/ddd/adapter/http"
)

const serviceName = "audio-pipeline"

// Run 按 APP_ROLE 环境变量启动，默认 all
func Run() {
	role, err := ParseRole(os.Getenv("APP_ROLE"))
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		os.Exit(1)
	}
	RunWithRole(role)
}

// RunWithRole 以指定角色启动进程
func RunWithRole(role Role) {
	fmt.Printf("[STARTUP] Starting %s role=%s...\n", serviceName, role)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("[ERROR] Failed to load config (%s): %v\n", cfgPath, err)
		os.Exit(1)
	}
	// 设置全局配置（必须在资源管理器初始化之前）
	config.SetGlobalConfig(cfg)
	fmt.Printf("[STARTUP] Config file loaded: %s\n", cfgPath)

	logService := logger.NewLogger(cfg)
	logger.SetGlobalLogger(logService)
	logger.Debug("Logger initialized", map[string]interface{}{
		"level":  cfg.Log.Level,
		"format": cfg.Log.Format,
		"output": cfg.Log.Output,
	})
	logger.Infof("%s starting role=%s worker_id=%s queue_backend=%s", serviceName, role, cfg.Worker.WorkerID, cfg.Queue.Backend)

	if cfg.Profiling.Enabled {
		observability.StartProfilingAt(fmt.Sprintf("%s.%s", serviceName, role), cfg.Profiling.ServerAddress)
	} else {
		observability.StartProfiling(fmt.Sprintf("%s.%s", serviceName, role))
	}
	defer observability.StopProfiling()

	logger.Infof("Initializing resource manager...")
	manager.MustInitResources()
	defer manager.CloseResources()

	db := resource.DefaultMySqlResource().MainDB()
	if cfg.Database.AutoMigrate {
		if err := persistence.AutoMigrate(db); err != nil {
			logger.Fatal(fmt.Sprintf("Auto migrate failed error=%v", err))
		}
		logger.Infof("Database schema migrated")
	}
	store := persistence.NewStore(db, cfg.Quota.DefaultFreeSeconds)

	backend, err := newQueueBackend(cfg)
	if err != nil {
		logger.Fatal(err.Error())
	}
	jobs := queue.NewManager(backend, queue.Options{
		Attempts:    cfg.Queue.Attempts,
		BackoffBase: cfg.Queue.BackoffBase,
		PollTimeout: cfg.Queue.PollTimeout,
		HookTimeout: cfg.Worker.ShutdownGracePeriod,
	})
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warnf("Close queue backend failed error=%v", err)
		}
	}()

	deps := &manager.Dependencies{
		DB:                db,
		Config:            cfg,
		Store:             store,
		JobQueue:          jobs,
		PipelineApp:       pipelineapp.NewPipelineApp(store, jobs),
		EnabledComponents: role.Components(),
	}

	logger.Infof("Initializing components...")
	manager.MustInitComponents(deps)
	manager.MustInitControllers(deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := task.StartAll(ctx); err != nil {
		logger.Fatal(fmt.Sprintf("Failed to start background tasks error=%v", err))
	}
	logger.Infof("Background tasks started tasks=%s", strings.Join(task.Names(), ","))

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestContextMiddleware(), middleware.AccessLogMiddleware())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   serviceName,
			"role":      string(role),
			"worker_id": cfg.Worker.WorkerID,
			"timestamp": time.Now().Unix(),
		})
	})
	manager.RegisterAllRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(fmt.Sprintf("Failed to start HTTP server error=%v", err))
		}
	}()
	logger.Infof("HTTP server started addr=%s health_url=%s", addr, fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port))

	reg := registerInstance(cfg, role)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("Received shutdown signal, shutting down...")

	if reg != nil {
		if err := reg.Deregister(); err != nil {
			logger.Warnf("Deregister failed error=%v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP server forced to close error=%v", err)
	}

	// 先停止后台任务让进行中的作业结束，再停组件
	cancel()
	task.StopAll()
	manager.Shutdown()

	logger.Infof("%s exited role=%s", serviceName, role)
	logService.Close()
}

// newQueueBackend redis 为默认后端，memory 仅用于单进程部署
func newQueueBackend(cfg *config.Config) (queue.Backend, error) {
	switch cfg.Queue.Backend {
	case "memory":
		logger.Warnf("Using in-memory queue backend, jobs are lost on restart")
		return queue.NewMemoryBackend(cfg.Queue.Capacity), nil
	case "redis":
		client := resource.DefaultRedisResource().Client()
		if client == nil {
			return nil, fmt.Errorf("queue backend redis requires a redis connection")
		}
		return queue.NewRedisBackend(client, cfg.Queue.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// registerInstance 只有消费队列的进程注册到 etcd
func registerInstance(cfg *config.Config, role Role) *registry.WorkerRegistry {
	if !cfg.ServiceRegistry.Enabled || !role.RunsWorkers() {
		return nil
	}
	host := cfg.ServiceRegistry.RegisterHost
	if host == "" {
		host, _ = os.Hostname()
	}
	info := registry.InstanceInfo{
		WorkerID:     cfg.Worker.WorkerID,
		Address:      fmt.Sprintf("%s:%d", host, cfg.Server.Port),
		Queues:       cfg.Worker.Concurrency,
		StartedAt:    time.Now(),
		QueueBackend: cfg.Queue.Backend,
	}
	regCfg, svcCfg := registry.ConfigsFrom(cfg)
	reg, err := registry.NewWorkerRegistry(regCfg, svcCfg, info)
	if err != nil {
		logger.Warnf("Service registry unavailable error=%v", err)
		return nil
	}
	if err := reg.Register(); err != nil {
		logger.Warnf("Service registration failed error=%v", err)
		_ = reg.Deregister()
		return nil
	}
	return reg
}

// resolveConfigPath 根据环境选择配置文件，支持CONFIG_PATH覆盖、CONFIG_ENV区分环境
func resolveConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}

	env := strings.ToLower(strings.TrimSpace(os.Getenv("CONFIG_ENV")))
	if env == "" {
		env = "dev"
	}

	switch env {
	case "prod", "production":
		return "configs/config_prod.yaml"
	case "dev", "development":
		return "configs/config.dev.yaml"
	default:
		return fmt.Sprintf("configs/config.%s.yaml", env)
	}
}
