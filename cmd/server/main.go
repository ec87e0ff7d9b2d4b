package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/fraudscope/internal/auth"
	"github.com/ZanzyTHEbar/fraudscope/internal/cache"
	"github.com/ZanzyTHEbar/fraudscope/internal/config"
	"github.com/ZanzyTHEbar/fraudscope/internal/database"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/events"
	"github.com/ZanzyTHEbar/fraudscope/internal/middleware"
	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/pipeline"
	"github.com/ZanzyTHEbar/fraudscope/internal/ratelimit"
	"github.com/ZanzyTHEbar/fraudscope/internal/resilience"
	"github.com/ZanzyTHEbar/fraudscope/internal/scoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/security"
	"github.com/ZanzyTHEbar/fraudscope/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := monitoring.NewLogger(monitoring.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger.Logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exited")
}

func run(cfg config.Config, logger *monitoring.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer errors.SafeClose(db, "database")
	store := database.NewStore(db, metrics)

	health := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
	health.RegisterService("database", store.Ping)

	scorer := scoring.NewClient(cfg.Scoring(),
		scoring.WithMetrics(metrics),
		scoring.WithLogger(logger),
		scoring.WithHealth(health),
	)
	defer errors.SafeClose(scorer, "scoring client")

	batchCache := cache.NewBatchCache(cfg.BatchCacheTTL, cfg.BatchCacheMaxEntries, metrics)
	defer batchCache.Close()

	publisher := newPublisher(cfg, metrics)
	defer publisher.Close()

	redisClient, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		slog.Warn("Redis unavailable, rate limiting in memory", "error", err)
	}
	defer errors.SafeClose(redisClient, "redis")
	if redisClient.IsEnabled() {
		health.RegisterService("redis", redisClient.HealthCheck)
	}

	limits := ratelimit.DefaultConfig()
	limits.IPLimitPerMin = cfg.IPLimitPerMin
	limits.OwnerLimitPerMin = cfg.SubmitLimitPerMin
	limiter := ratelimit.NewRateLimiter(redisClient, limits, metrics)
	defer limiter.Close()

	pipe := pipeline.New(cfg.Pipeline(),
		validation.NewValidator(cfg.Validation()),
		scorer,
		store,
		pipeline.WithCache(batchCache),
		pipeline.WithPublisher(publisher),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(logger),
	)
	// publishes still in flight finish before the publisher is flushed
	defer pipe.Close()

	securityConfig := security.DefaultSecurityConfig()
	securityConfig.MaxUploadBytes = cfg.MaxUploadBytes
	securityConfig.AllowedOrigins = cfg.CORSOrigins
	securityConfig.RequestTimeout = cfg.RequestTimeout
	securityConfig.EnableHSTS = cfg.EnableHSTS

	srv := &server{
		pipeline:    pipe,
		store:       store,
		scorer:      scorer,
		health:      health,
		redis:       redisClient,
		limiter:     limiter,
		cache:       batchCache,
		verifier:    auth.NewVerifier(auth.Config{JWTSecret: []byte(cfg.IdentityJWTSecret), TrustOwnerHeader: cfg.TrustOwnerHeader}),
		security:    security.NewSecurityMiddleware(securityConfig),
		compression: middleware.NewCompressionMiddleware(middleware.DefaultCompressionConfig()),
		metrics:     metrics,
		logger:      logger,
	}
	router := setupRouter(srv)

	go health.StartHealthChecks(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.SystemLogger("server_starting", "port="+cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func newPublisher(cfg config.Config, metrics *monitoring.Metrics) events.Publisher {
	if cfg.KafkaBroker == "" {
		slog.Info("KAFKA_BROKER not configured, batch events are not published")
		return events.NoopPublisher{}
	}

	publisher, err := events.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic, metrics)
	if err != nil {
		slog.Warn("Kafka producer unavailable, batch events are not published", "error", err)
		return events.NoopPublisher{}
	}
	return publisher
}
