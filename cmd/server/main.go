package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rrens/session-telemetry/internal/api"
	customMiddleware "github.com/Rrens/session-telemetry/internal/api/middleware"
	"github.com/Rrens/session-telemetry/internal/config"
	"github.com/Rrens/session-telemetry/internal/logger"
	"github.com/Rrens/session-telemetry/internal/repository/redis"
	"github.com/Rrens/session-telemetry/internal/repository/sqldb"
	"github.com/Rrens/session-telemetry/internal/service"
	"github.com/Rrens/session-telemetry/internal/telemetry"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file - try multiple locations
	envPaths := []string{".env", "../.env", "../../.env"}
	envLoaded := false
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			fmt.Printf("Loaded .env from: %s\n", p)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		fmt.Println("Warning: .env file not found in any standard location")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	logFile, err := logger.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logger")
	}
	defer logFile.Close()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("driver", cfg.Database.Driver).
		Msg("Starting session telemetry server")

	provider, err := telemetry.Setup("session-telemetry", cfg.Telemetry.TracingEnabled)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize OpenTelemetry")
	}

	// Initialize database
	if err := sqldb.RunMigrations(cfg.Database.Driver, cfg.Database.MigrateURL()); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	db, err := sqldb.Open(context.Background(), cfg.Database, cfg.PostgresDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	// Initialize Redis. The mirror is optional; the cache runs without it.
	var (
		redisClient *redis.Client
		mirror      service.SessionMirror
		limiter     customMiddleware.Limiter
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, running without session mirror")
		} else {
			redisClient.StartHealthMonitor()
			mirror = redis.NewSessionMirror(redisClient, cfg.Redis.TTL())
			if cfg.Redis.RateLimitPerMinute > 0 {
				limiter = redis.NewRateLimiter(redisClient, nil, cfg.Redis.RateLimitPerMinute, time.Minute)
			}
		}
	}

	clock := clockwork.NewRealClock()
	sessions := sqldb.NewSessionRepository(db)

	cache, err := service.NewSessionCache(sessions, sqldb.NewDeadLetterRepository(db), mirror, clock, service.SessionCacheConfig{
		Capacity:        cfg.Cache.Capacity,
		Expiry:          cfg.Cache.ExpiryDuration(),
		EvictRetries:    cfg.Cache.EvictRetries,
		CriticalRetries: cfg.CriticalPath.Retries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session cache")
	}

	writer, err := service.NewTelemetryWriter(service.TelemetryWriterConfig{
		QueueSize:    cfg.Telemetry.QueueSize,
		Workers:      cfg.Telemetry.Workers,
		MaxAttempts:  cfg.Telemetry.MaxAttempts,
		BaseDelay:    cfg.Telemetry.BaseDelay(),
		MaxDelay:     cfg.Telemetry.MaxDelay(),
		WriteTimeout: cfg.Telemetry.WriteTimeout,
	}, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create telemetry writer")
	}
	writer.Start()

	interactions := sqldb.NewInteractionRepository(db)
	recorder := service.NewInteractionRecorder(interactions, sessions, cache, clock, cfg.CriticalPath.Retries)
	retrievals := service.NewRetrievalLog(sqldb.NewRetrievalRepository(db), interactions, writer)
	invocations := service.NewInvocationLog(sqldb.NewInvocationRepository(db), interactions, writer)
	evaluations := service.NewEvaluationLog(sqldb.NewEvaluationRepository(db), interactions, writer)
	turns := service.NewTurnService(cache, recorder, retrievals, invocations, evaluations, cfg.Turn.Deadline)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	scheduler := service.NewCleanupScheduler(cache, clock, cfg.Cache.CleanupDuration(), cfg.Cache.SweepParallelism)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(schedulerCtx)
	}()

	// Initialize router
	router := api.NewRouter(cfg, api.Dependencies{
		DB:          db,
		Sessions:    sessions,
		Cache:       cache,
		Mirror:      mirror,
		Recorder:    recorder,
		Retrievals:  retrievals,
		Invocations: invocations,
		Evaluations: evaluations,
		Writer:      writer,
		Turns:       turns,
		Metrics:     provider,
		Limiter:     limiter,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	stopScheduler()
	<-schedulerDone

	// Close every cached session before the store goes away
	if err := cache.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Session cache shutdown incomplete")
	}
	writer.Shutdown(ctx)

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	db.Close()

	if err := provider.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shutdown OpenTelemetry")
	}

	log.Info().Msg("Server stopped")
}
