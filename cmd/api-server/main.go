package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topology-coordinator/internal/api"
	"topology-coordinator/internal/audit"
	"topology-coordinator/internal/auth"
	"topology-coordinator/internal/backend"
	"topology-coordinator/internal/config"
	"topology-coordinator/internal/logger"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/tracing"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logger, "api-server")
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting topology admin API server...")

	store, err := backend.Open(context.Background(), cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	var tracingManager *tracing.TracingManager
	if cfg.Tracing.Enabled {
		tracingManager, err = tracing.NewTracingManager(cfg.Tracing, zapLogger)
		if err != nil {
			zapLogger.Error("Failed to initialize tracing", zap.Error(err))
		} else {
			zapLogger.Info("Distributed tracing initialized",
				zap.String("service", cfg.Tracing.ServiceName),
				zap.String("jaeger_endpoint", cfg.Tracing.JaegerEndpoint))
		}
	}

	auditLogger := audit.NewAuditLogger(zapLogger)

	var authMiddleware *auth.AuthMiddleware
	if cfg.Auth.Enabled {
		jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration, zapLogger)
		authMiddleware = auth.NewAuthMiddleware(jwtManager, zapLogger)
		zapLogger.Info("JWT authentication initialized")
	}

	var rateLimiter *auth.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := store.Redis
		if redisClient == nil {
			redisClient, err = backend.NewRedisClient(context.Background(), cfg.Redis)
			if err != nil {
				zapLogger.Fatal("Failed to connect rate limiter to Redis", zap.Error(err))
			}
			defer redisClient.Close()
		}
		rateLimiter = auth.NewRateLimiter(redisClient, cfg.Storage.KeyPrefix, zapLogger)
		zapLogger.Info("Rate limiting initialized")
	}

	metrics := monitoring.NewMetrics(nil, zapLogger)
	healthChecker := monitoring.NewHealthChecker(zapLogger)
	healthChecker.AddCheck("storage", store)

	handler := api.NewAdminHandler(store.Store, healthChecker, auditLogger, cfg.Leader.ToLeader(), zapLogger)

	router := api.NewRouter(handler, metrics, cfg, api.RouterOptions{
		Tracing:     tracingManager,
		Audit:       auditLogger,
		Auth:        authMiddleware,
		RateLimiter: rateLimiter,
	}, zapLogger)

	server := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.GetMetricsAddr(), healthChecker); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zapLogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.GetServerAddr()))
		if cfg.Security.TLSEnabled {
			if err := server.ListenAndServeTLS(cfg.Security.TLSCertFile, cfg.Security.TLSKeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zapLogger.Fatal("Failed to start HTTPS server", zap.Error(err))
			}
		} else {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zapLogger.Fatal("Failed to start HTTP server", zap.Error(err))
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := metrics.Stop(ctx); err != nil {
		zapLogger.Error("Failed to shutdown metrics server", zap.Error(err))
	}
	if tracingManager != nil {
		if err := tracingManager.Shutdown(ctx); err != nil {
			zapLogger.Error("Failed to shutdown tracing", zap.Error(err))
		}
	}

	zapLogger.Info("Server exited")
}
