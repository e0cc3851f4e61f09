// Package main is the unified entry point for taskmesh.
// This single binary runs the intake API, the scheduler, the workflow
// engine and the event-stream surfaces together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Common packages
	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/httpmw"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/common/tracing"

	// Event bus
	"github.com/taskmesh/taskmesh/internal/events"

	// Agent runtime
	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/agent/slots"
	"github.com/taskmesh/taskmesh/internal/cancel"
	"github.com/taskmesh/taskmesh/internal/kernel"

	// Orchestrator packages
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/orchestrator/dispatch"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/orchestrator/queue"
	"github.com/taskmesh/taskmesh/internal/orchestrator/scheduler"
	"github.com/taskmesh/taskmesh/internal/orchestrator/streaming"

	// Task service packages
	taskhandlers "github.com/taskmesh/taskmesh/internal/task/handlers"
	taskservice "github.com/taskmesh/taskmesh/internal/task/service"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting taskmesh...")

	// 3. Create context with cancellation
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	// 4. Initialize event bus (NATS if configured, in-memory otherwise)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// 5. Initialize the task store and recover records left over from a
	// previous run before anything consumes them.
	taskStore, err := store.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	normalized, err := taskStore.NormalizeAtStartup(ctx)
	if err != nil {
		log.Fatal("Failed to normalize task records", zap.Error(err))
	}
	if normalized > 0 {
		log.Info("Failed in-flight tasks from previous run", zap.Int("count", normalized))
	}

	// 6. Agent registry with the built-in agents, plus the load tracker
	reg, err := registry.Provide(log, eventBus, builtinHandler(log, eventBus))
	if err != nil {
		log.Fatal("Failed to initialize agent registry", zap.Error(err))
	}
	tracker := slots.NewTracker(log, eventBus, slots.DefaultTypeMapping())
	for _, a := range reg.List() {
		tracker.Ensure(a.ID)
	}
	log.Info("Agent registry initialized", zap.Int("agents", reg.Count()))

	// 7. Kernel; bring the built-in agents online so their IPC inboxes
	// are live.
	k := kernel.New(reg, eventBus, log)
	for _, a := range reg.List() {
		if err := k.Start(a.ID); err != nil {
			log.Fatal("Failed to start agent", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}

	// 8. Cancellation registry
	cancels := cancel.NewRegistry(log)

	// 9. Priority queue + scheduler
	schedCfg := scheduler.FromConfig(cfg.Scheduler)
	taskQueue := queue.NewTaskQueue(cfg.Queue.MaxSize, schedCfg.BaseBackoff, cfg.Queue.HistoryLimit)
	sched := scheduler.NewScheduler(taskQueue, reg, k, taskStore, cancels, eventBus, log, schedCfg)

	// 10. Planner + workflow engine + orchestrator facade
	plannerCfg := planner.FromConfig(cfg.Planner)
	if cfg.Planner.TemplatesPath != "" {
		templates, err := planner.LoadTemplates(cfg.Planner.TemplatesPath)
		if err != nil {
			log.Fatal("Failed to load workflow templates",
				zap.String("path", cfg.Planner.TemplatesPath),
				zap.Error(err))
		}
		plannerCfg.Templates = templates
		log.Info("Loaded workflow templates", zap.Int("count", len(templates)))
	}
	p := planner.New(plannerCfg, log)
	eng := engine.New(k, eventBus, log, engine.FromConfig(cfg.Planner))

	orch := orchestrator.NewService(taskQueue, sched, p, eng, log)
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// 11-12. Intake service and the dispatch consumer that feeds its
	// executor.
	d := dispatch.New(eventBus, log, dispatch.FromConfig(cfg.Dispatch))
	svc := taskservice.NewService(taskStore, eventBus, reg, tracker, cancels, p, eng, d,
		taskservice.FromConfig(cfg.Intake), log)
	if err := d.Start(ctx, svc.Execute); err != nil {
		log.Fatal("Failed to start dispatch consumer", zap.Error(err))
	}

	// 13. HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "taskmesh"))
	router.Use(httpmw.OtelTracing("taskmesh"))

	taskhandlers.RegisterTaskRoutes(router, svc, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "taskmesh",
		})
	})

	// 14. Streaming hub: WebSocket fan-out of live task snapshots
	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	streaming.NewWSHandler(hub, log).RegisterRoutes(router)
	notifier := streaming.NewNotifier(eventBus, hub, func(ctx context.Context, taskID string) (interface{}, error) {
		return svc.Snapshot(ctx, taskID)
	}, log)
	if err := notifier.Start(); err != nil {
		log.Fatal("Failed to start stream notifier", zap.Error(err))
	}

	// 15. HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No write timeout: SSE streams and WebSocket upgrades outlive
		// any fixed deadline.
		WriteTimeout: 0,
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"))

	// 16. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down taskmesh...")
	cancelCtx()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	notifier.Stop()
	if err := d.Stop(); err != nil {
		log.Error("Dispatch consumer stop error", zap.Error(err))
	}
	if err := orch.Stop(); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}
	if err := taskStore.Close(); err != nil {
		log.Error("Task store close error", zap.Error(err))
	}
	if err := busCleanup(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("taskmesh stopped")
}
