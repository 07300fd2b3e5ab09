// Package main is the fleet control plane entry point. One binary runs
// the port scanner, the device WebSocket gateway, the task scheduler
// and the HTTP API over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/httpmw"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/db"
	"github.com/autofleet/autofleet/internal/device/allocator"
	"github.com/autofleet/autofleet/internal/device/channel"
	devicehandlers "github.com/autofleet/autofleet/internal/device/handlers"
	"github.com/autofleet/autofleet/internal/device/reaper"
	"github.com/autofleet/autofleet/internal/device/registry"
	"github.com/autofleet/autofleet/internal/device/scanner"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/gateway/streaming"
	gateway "github.com/autofleet/autofleet/internal/gateway/websocket"
	"github.com/autofleet/autofleet/internal/llm"
	"github.com/autofleet/autofleet/internal/metrics"
	"github.com/autofleet/autofleet/internal/screenshot"
	screenshothandlers "github.com/autofleet/autofleet/internal/screenshot/handlers"
	taskhandlers "github.com/autofleet/autofleet/internal/task/handlers"
	"github.com/autofleet/autofleet/internal/task/repository"
	"github.com/autofleet/autofleet/internal/task/scheduler"
	"github.com/autofleet/autofleet/internal/tracing"
)

func main() {
	// 1. Environment and configuration. The .env file is optional;
	// viper picks up AUTOFLEET_* variables either way.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting autofleet control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)

	// 3. Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Durable store
	pool, err := db.Open(&cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	repo, err := repository.New(pool, log)
	if err != nil {
		log.Fatal("failed to initialize repository", zap.Error(err))
	}

	// Tasks that were in flight when the previous process died cannot
	// be resumed: their device session and kernel state are gone.
	if _, err := repo.FailInterrupted(ctx, "server restarted during execution"); err != nil {
		log.Error("failed to fail interrupted tasks", zap.Error(err))
	}

	// ============================================
	// DEVICE PLANE
	// ============================================
	alloc := allocator.New(log)
	channels := channel.NewManager(nil, log)
	defer channels.CloseAll()

	reg := registry.New(alloc, channels, eventBus, m, cfg.Heartbeat, log)
	reg.AttachStore(repo)
	if known, err := repo.ListDevices(ctx); err != nil {
		log.Error("failed to load stored devices", zap.Error(err))
	} else {
		reg.Preload(known)
	}
	reg.StartHealthLoop(ctx)

	scan := scanner.New(reg, channels, cfg.Ports, log)
	scan.Start(ctx)

	var reap *reaper.Reaper
	if cfg.Reaper.Enabled {
		reap = reaper.New(reg, alloc, eventBus, cfg.Reaper, cfg.Ports, log)
		reap.Start(ctx)
	}

	// ============================================
	// TASK PLANE
	// ============================================
	store, err := screenshot.NewStore(cfg.Screenshots, m, log)
	if err != nil {
		log.Fatal("failed to open screenshot store", zap.Error(err))
	}
	trail := audit.New(store.Root(), log)

	base, err := llm.NewOpenAIFromConfig(&cfg.LLM)
	if err != nil {
		log.Fatal("failed to initialize LLM client", zap.Error(err))
	}
	client := llm.WithDefaults(llm.WithMetrics(base, m), &cfg.LLM)

	sched, err := scheduler.New(scheduler.Deps{
		Cfg:      cfg,
		Repo:     repo,
		Registry: reg,
		Channels: channels,
		Store:    store,
		Trail:    trail,
		Bus:      eventBus,
		Metrics:  m,
		LLM:      client,
		Log:      log,
	})
	if err != nil {
		log.Fatal("failed to build scheduler", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	// ============================================
	// HTTP SURFACE (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Server.Mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.OtelTracing("autofleet"))
	router.Use(httpmw.RequestLogger(log, "autofleet"))

	deviceGateway := gateway.New(reg, m, cfg.Heartbeat, log)
	deviceGateway.SetupRoutes(router)

	hub := streaming.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("failed to start event stream hub", zap.Error(err))
	}
	hub.SetupRoutes(router)

	taskhandlers.RegisterTaskRoutes(router, sched, log)
	devicehandlers.RegisterDeviceRoutes(router, reg, channels, trail, log)
	screenshothandlers.RegisterScreenshotRoutes(router, store, trail, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"service":       "autofleet",
			"devices":       len(reg.List()),
			"running_tasks": sched.RunningCount(),
		})
	})
	router.GET("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("control plane listening",
			zap.String("addr", server.Addr),
			zap.String("device_ws", "/ws/device/:frp_port"),
			zap.String("event_ws", "/ws/events"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down autofleet")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	deviceGateway.Stop()
	hub.Stop()
	scan.Stop()
	if reap != nil {
		reap.Stop()
	}
	reg.Stop()
	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop error", zap.Error(err))
	}
	store.Stop()
	trail.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", zap.Error(err))
	}

	log.Info("autofleet stopped")
}

// corsMiddleware allows browser UIs and device clients from any origin;
// the control plane sits behind the operator's own network boundary.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
