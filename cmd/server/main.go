package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pulsefeed/notification-engine/internal/adapter"
	"github.com/pulsefeed/notification-engine/internal/auth"
	"github.com/pulsefeed/notification-engine/internal/batch"
	"github.com/pulsefeed/notification-engine/internal/config"
	"github.com/pulsefeed/notification-engine/internal/dedup"
	"github.com/pulsefeed/notification-engine/internal/directory"
	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/handler"
	"github.com/pulsefeed/notification-engine/internal/metrics"
	"github.com/pulsefeed/notification-engine/internal/middleware"
	"github.com/pulsefeed/notification-engine/internal/processor"
	"github.com/pulsefeed/notification-engine/internal/ratelimit"
	"github.com/pulsefeed/notification-engine/internal/render"
	"github.com/pulsefeed/notification-engine/internal/repository/postgres"
	"github.com/pulsefeed/notification-engine/internal/repository/redis"
	"github.com/pulsefeed/notification-engine/internal/service"
	"github.com/pulsefeed/notification-engine/internal/socket"
	"github.com/pulsefeed/notification-engine/migrations"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logLevel := slog.LevelInfo
	if cfg.App.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting notification engine",
		"env", cfg.App.Env,
		"port", cfg.Server.Port,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply schema migrations
	if err := runMigrations(cfg.Database.URL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// Initialize repositories
	notificationRepo := postgres.NewNotificationRepository(db)
	preferenceRepo := postgres.NewPreferenceRepository(db)
	deviceRepo := postgres.NewDeviceRepository(db)
	badgeCache := redis.NewBadgeCache(redisClient, notificationRepo, cfg.Redis.BadgeTTL)

	// Shared pipeline state
	m := metrics.New()
	rules := domain.NewRuleTable(domain.DefaultRules(), domain.RuleDefaults{
		DedupTTL:     cfg.Processor.DedupDefaultTTL,
		BatchWindow:  cfg.Batch.DefaultWindow,
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		Expiry:       cfg.Processor.DefaultExpiry,
	})
	renderer := render.NewRenderer(render.DefaultTemplates())
	limiter := ratelimit.New(cfg.Processor.LimiterShards)
	dedupe := dedup.New(cfg.Processor.DedupShards)

	// Realtime socket registry
	tokens := auth.NewTokenSigner(cfg.Auth.SocketTokenSecret)
	registry := socket.NewRegistry(socket.Config{
		MaxConnections:  cfg.Socket.MaxConnections,
		PingInterval:    cfg.Socket.PingInterval,
		IdleThreshold:   cfg.Socket.IdleThreshold,
		ExpiryThreshold: cfg.Socket.ExpiryThreshold,
		CleanupInterval: cfg.Socket.CleanupInterval,
		MaxFrameBytes:   cfg.Socket.MaxFrameBytes,
	}, tokens.Validate, logger)
	registry.SetConnHooks(m.SocketConnected, m.SocketDisconnected)

	// Channel adapters
	profiles := directory.NewClient(directory.Config(cfg.Directory))
	socketAdapter := adapter.NewSocketAdapter(registry)
	pushAdapter := adapter.NewPushAdapter(adapter.PushConfig(cfg.Push), deviceRepo, badgeCache, logger)
	emailAdapter := adapter.NewEmailAdapter(adapter.EmailConfig(cfg.Email), profiles)
	adapters := []domain.ChannelAdapter{socketAdapter, pushAdapter, emailAdapter}

	// Delivery pipeline
	proc := processor.New(processor.Config{
		WorkerCount:    cfg.Processor.WorkerCount,
		QueueCapacity:  cfg.Processor.QueueCapacity,
		MaxAttempts:    cfg.Processor.MaxAttempts,
		BaseBackoff:    cfg.Processor.BaseBackoff,
		MaxBackoff:     cfg.Processor.MaxBackoff,
		AdapterTimeout: cfg.Processor.AdapterTimeout,
		DrainDeadline:  cfg.Processor.DrainDeadline,
	}, notificationRepo, preferenceRepo, rules, renderer, limiter, dedupe, adapters, logger, m)

	batcher := batch.NewEngine(cfg.Batch.CheckInterval, proc.DispatchDigest, logger)
	proc.SetBatcher(batcher)
	proc.SetDeliveredHook(func(n *domain.Notification) {
		if err := badgeCache.Invalidate(context.Background(), n.RecipientID); err != nil {
			logger.Warn("badge invalidation failed", "user_id", n.RecipientID, "error", err)
		}
		if payload, err := json.Marshal(map[string]string{
			"id":     n.ID.String(),
			"status": string(n.Status),
		}); err == nil {
			registry.SendToUser(n.RecipientID, n.Type, payload)
		}
	})

	// Initialize services
	notificationService := service.NewNotificationService(
		notificationRepo, rules, proc, batcher, limiter, badgeCache, logger)
	preferenceService := service.NewPreferenceService(preferenceRepo, logger)
	deviceService := service.NewDeviceService(deviceRepo, logger)
	scheduler := service.NewScheduler(service.SchedulerConfig{
		ReleaseInterval: cfg.Scheduler.ReleaseInterval,
		SweepInterval:   cfg.Scheduler.SweepInterval,
		ReleaseBatch:    cfg.Scheduler.ReleaseBatch,
	}, notificationRepo, proc, limiter, dedupe, logger)

	// Initialize handlers
	notificationHandler := handler.NewNotificationHandler(notificationService)
	preferenceHandler := handler.NewPreferenceHandler(preferenceService)
	deviceHandler := handler.NewDeviceHandler(deviceService)
	wsHandler := handler.NewWebSocketHandler(registry, logger)

	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("postgres", db)
	healthHandler.AddChecker("redis", redisClient)
	healthHandler.AddAdapters(adapters...)

	metricsHandler := handler.NewMetricsHandler(proc, registry, batcher, adapters)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger, m))
	r.Use(chimiddleware.Compress(5))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)

	// Metrics endpoints
	r.Handle("/metrics", metricsHandler.Handler())
	r.Get("/metrics/realtime", metricsHandler.Snapshot)

	// WebSocket endpoint
	r.Get("/ws", wsHandler.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			notificationHandler.RegisterRoutes(r)
		})

		r.Route("/preferences", func(r chi.Router) {
			preferenceHandler.RegisterRoutes(r)
		})

		r.Route("/devices", func(r chi.Router) {
			deviceHandler.RegisterRoutes(r)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start background loops
	proc.Start(ctx)
	go registry.Run(ctx)
	go batcher.Run(ctx)
	go scheduler.Run(ctx)

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Drain the processor (flushes open batches, waits for in-flight work)
	proc.Stop()

	// Close live sockets with a shutdown frame
	registry.CloseAll(socket.CloseServerShutdown)

	// Stop the scheduler and background loops
	cancel()

	logger.Info("server stopped")
}

// runMigrations applies pending schema migrations from the embedded files.
func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}

	// The pgx/v5 migrate driver registers under the pgx5 scheme.
	url := strings.Replace(databaseURL, "postgres://", "pgx5://", 1)

	migrator, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
