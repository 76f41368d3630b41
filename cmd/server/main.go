package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/vidgallery/api/internal/auth"
	"github.com/vidgallery/api/internal/cache"
	"github.com/vidgallery/api/internal/client"
	"github.com/vidgallery/api/internal/config"
	"github.com/vidgallery/api/internal/handler"
	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/middleware"
	"github.com/vidgallery/api/internal/queue"
	"github.com/vidgallery/api/internal/repository"
	"github.com/vidgallery/api/internal/service"
	"github.com/vidgallery/api/internal/transcoder"
	ws "github.com/vidgallery/api/internal/websocket"
	"github.com/vidgallery/api/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	var closers []func() error

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, redisClient.Close)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	// Job store behind the status cache
	base, closeRepo, err := openRepository(ctx, cfg.Database, logger)
	if err != nil {
		fatal(logger, "Failed to open job repository", err)
	}
	closers = append(closers, closeRepo)

	var store cache.Store = cache.NewMemoryStore()
	if cfg.Cache.Driver == "redis" {
		store = cache.NewRedisStore(redisClient)
	}
	repo := cache.NewStatusCache(base, store, cfg.Cache.TTL, logger, m)

	q, err := openQueue(cfg, logger)
	if err != nil {
		fatal(logger, "Failed to open job queue", err)
	}

	blobs, filesDir, err := openStorage(ctx, &cfg.Storage)
	if err != nil {
		fatal(logger, "Failed to open blob storage", err)
	}

	// Processing
	fetcher := client.NewFetcher(blobs, logger)
	engine := transcoder.NewFFmpegEngine(cfg.Transcoder.FFmpegPath, cfg.Transcoder.FFprobePath)
	pipeline := worker.NewPipeline(repo, blobs, fetcher, engine, worker.PipelineConfig{
		WorkDir:          cfg.Pipeline.WorkDir,
		DownloadAttempts: cfg.Pipeline.DownloadAttempts,
		DownloadBackoff:  cfg.Pipeline.DownloadBackoff,
		DownloadTimeout:  cfg.Pipeline.DownloadTimeout,
		ProgressInterval: cfg.Pipeline.ProgressInterval,
		PreviewSeconds:   cfg.Pipeline.PreviewSeconds,
	}, logger, m)
	scheduler := worker.NewScheduler(q, repo, pipeline, cfg.Scheduler.MaxConcurrentJobs, logger, m)

	jobService := service.NewJobService(repo, q, blobs, scheduler, cfg.Storage.PresignTTL, logger, m)
	reconciler := worker.NewReconciler(repo, q, worker.ReconcilerConfig{
		Interval:        cfg.Reconciler.Interval,
		StaleAfter:      cfg.Reconciler.StaleAfter,
		CleanupSchedule: cfg.Reconciler.CleanupSchedule,
		RetentionDays:   cfg.Reconciler.RetentionDays,
		Cleanup:         jobService.CleanupOldJobs,
	}, logger, m)

	hub := ws.NewHub(repo, scheduler, cfg.Notifier.Interval, cfg.Notifier.Heartbeat, logger, m)

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		verifier, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			logger.Warn("JWKS verifier not initialized", "issuer", cfg.OIDC.Issuer, "error", err)
		} else {
			tokenVerifier = verifier
			closers = append(closers, verifier.Close)
		}
	}

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: auth is handled by ForwardAuth, read X-User-* headers
		logger.Info("Gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddlewareWithFallback(tokenVerifier, cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	validate := handler.NewValidator()
	routes := handler.Routes{
		Jobs:   handler.NewJobHandler(jobService, validate),
		Admin:  handler.NewAdminHandler(jobService),
		Auth:   handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret),
		Health: handler.NewHealthHandler(repo, map[string]string{
			"repository": repositoryDriver(cfg.Database),
			"queue":      cfg.Queue.Driver,
			"storage":    cfg.Storage.Driver,
			"cache":      cfg.Cache.Driver,
		}),
		Hub:         hub,
		APIAuth:     apiAuth,
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
		Metrics:     m.Handler(),
	}
	if filesDir != "" && strings.HasPrefix(cfg.Storage.PublicURL, "/") {
		routes.FilesDir = filesDir
		routes.FilesPrefix = cfg.Storage.PublicURL
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Register(app, routes)

	// Background workers
	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()
	if err := reconciler.Start(ctx); err != nil {
		fatal(logger, "Failed to start reconciler", err)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		hub.Close()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	logger.Info("Server starting", "addr", addr, "env", cfg.Server.Env,
		"queue", cfg.Queue.Driver, "storage", cfg.Storage.Driver,
		"max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs)
	if err := app.Listen(addr); err != nil {
		logger.Error("Server error", "error", err)
		stop()
	}

	shutdown(logger, schedulerDone, reconciler, q, closers)
}

// shutdown waits for in-flight pipelines to hand their jobs back, then
// releases every client. Jobs interrupted here stay active and are picked up
// by the reconciler of the next process.
func shutdown(logger *slog.Logger, schedulerDone <-chan error, reconciler *worker.Reconciler, q queue.Queue, closers []func() error) {
	reconciler.Stop()

	select {
	case err := <-schedulerDone:
		if err != nil {
			logger.Error("Scheduler stopped with error", "error", err)
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("Timed out waiting for running jobs")
	}

	errs := q.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, closers[i]())
	}
	if errs != nil {
		logger.Error("Shutdown finished with errors", "error", errs)
		return
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func repositoryDriver(cfg config.DatabaseConfig) string {
	if cfg.URL == "" {
		return "memory"
	}
	return "postgres"
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repository.JobRepository, func() error, error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, jobs are kept in memory and lost on restart")
		return repository.NewMemoryRepository(), func() error { return nil }, nil
	}

	repo, err := repository.OpenPostgres(ctx, cfg.URL, cfg.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

func openQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return queue.NewMemoryQueue(cfg.Queue.VisibilityTimeout), nil
	case "asynq":
		q := queue.NewAsynqQueue(queue.AsynqConfig{
			Redis: asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Scheduler.MaxConcurrentJobs,
			MaxRetry:    cfg.Queue.MaxRetry,
			Visibility:  cfg.Queue.VisibilityTimeout,
			LogLevel:    asynqLogLevel(cfg.Server.LogLevel),
		}, logger)
		if err := q.Start(); err != nil {
			return nil, err
		}
		return q, nil
	case "amqp":
		return queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Name, cfg.Scheduler.MaxConcurrentJobs, logger)
	default:
		return nil, errors.New("unknown queue driver " + cfg.Queue.Driver)
	}
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// openStorage returns the blob store and, for the local driver, the
// directory to serve statically.
func openStorage(ctx context.Context, cfg *config.StorageConfig) (client.BlobStore, string, error) {
	switch cfg.Driver {
	case "local":
		store, err := client.NewLocalStore(cfg.LocalPath, cfg.PublicURL)
		if err != nil {
			return nil, "", err
		}
		return store, store.Root(), nil
	case "s3":
		store, err := client.NewS3Store(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return store, "", nil
	default:
		return nil, "", errors.New("unknown storage driver " + cfg.Driver)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
