package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/fraudscope/internal/auth"
	"github.com/ZanzyTHEbar/fraudscope/internal/cache"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/middleware"
	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/pipeline"
	"github.com/ZanzyTHEbar/fraudscope/internal/ratelimit"
	"github.com/ZanzyTHEbar/fraudscope/internal/resilience"
	"github.com/ZanzyTHEbar/fraudscope/internal/security"
)

// pinger is satisfied by the prediction store
type pinger interface {
	Ping(ctx context.Context) error
	Stats() map[string]interface{}
}

// breaker is satisfied by the scoring client
type breaker interface {
	BreakerState() resilience.CircuitBreakerState
	Stats() map[string]interface{}
}

type server struct {
	pipeline    *pipeline.Pipeline
	store       pinger
	scorer      breaker
	health      *resilience.DegradationManager
	redis       *ratelimit.RedisClient
	limiter     *ratelimit.RateLimiter
	cache       *cache.BatchCache
	verifier    *auth.Verifier
	security    *security.SecurityMiddleware
	compression *middleware.CompressionMiddleware
	metrics     *monitoring.Metrics
	logger      *monitoring.Logger
}

func setupRouter(s *server) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.security.Config().TrustedProxies); err != nil {
		slog.Warn("Invalid trusted proxy list", "error", err)
	}

	r.Use(errors.RecoveryHandler())
	r.Use(security.RequestIDMiddleware())
	r.Use(monitoring.MonitoringMiddleware(s.metrics, s.logger))
	r.Use(monitoring.SecurityMonitoringMiddleware(s.logger))
	r.Use(errors.ErrorHandler())
	r.Use(s.security.SecurityHeaders)
	r.Use(s.security.RequestTimeout)
	r.Use(s.compression.Handler())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	api.Use(s.security.CORS())
	api.Use(s.limiter.IPRateLimitMiddleware())
	api.Use(s.verifier.Middleware())
	api.Use(s.security.ValidateOwner)
	{
		api.POST("/batches",
			s.security.ValidateContentType,
			s.security.LimitBody,
			s.limiter.SubmitRateLimitMiddleware(),
			s.handleSubmit,
		)
		api.GET("/batches", s.handleHistory)
		api.GET("/batches/:id", s.handleGetBatch)
	}

	return r
}

func (s *server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK

	database := gin.H{"status": "ok", "pool": s.store.Stats()}
	if err := s.store.Ping(ctx); err != nil {
		database["status"] = "unavailable"
		database["error"] = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}

	redis := gin.H{"enabled": s.redis.IsEnabled()}
	if err := s.redis.HealthCheck(ctx); err != nil {
		redis["error"] = err.Error()
	}

	services := s.health.GetAllServiceHealth()
	for _, svc := range services {
		if svc.Level == resilience.LevelEmergency {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.metrics.Uptime().String(),
		"scoring": gin.H{
			"circuit_breaker": s.scorer.BreakerState().String(),
			"stats":           s.scorer.Stats(),
		},
		"database":   database,
		"redis":      redis,
		"services":   services,
		"cache":      s.cache.Stats(),
		"rate_limit": s.limiter.GetStats(),
	})
}
