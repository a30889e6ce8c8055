package api

import (
	"net/http"
	"time"

	"topology-coordinator/internal/audit"
	"topology-coordinator/internal/auth"
	"topology-coordinator/internal/config"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterOptions carries the optional middleware of the admin API. Nil
// members are skipped.
type RouterOptions struct {
	Tracing     *tracing.TracingManager
	Audit       *audit.AuditLogger
	Auth        *auth.AuthMiddleware
	RateLimiter *auth.RateLimiter
}

func NewRouter(
	handler *AdminHandler,
	metrics *monitoring.Metrics,
	cfg *config.Config,
	opts RouterOptions,
	logger *zap.Logger,
) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())

	if cfg.Security.EnableSecurityHeaders {
		router.Use(secure.New(secure.Config{
			BrowserXssFilter:      true,
			ContentTypeNosniff:    true,
			FrameDeny:             true,
			ContentSecurityPolicy: "default-src 'self'",
			ReferrerPolicy:        "strict-origin-when-cross-origin",
		}))
	}

	if cfg.Security.CORSEnabled {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Security.CORSAllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", tracing.CorrelationIDHeader},
			ExposeHeaders:    []string{"Content-Length", tracing.CorrelationIDHeader, tracing.TraceIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: !allowsAnyOrigin(cfg.Security.CORSAllowedOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	if opts.Tracing != nil {
		router.Use(opts.Tracing.TracingMiddleware())
	} else {
		router.Use(GinLogger(logger))
	}

	if opts.Audit != nil {
		router.Use(opts.Audit.AuditMiddleware())
	}

	router.Use(MetricsMiddleware(metrics))

	if cfg.Security.MaxRequestSize > 0 {
		router.Use(maxBodySize(cfg.Security.MaxRequestSize))
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	api := router.Group("/api/v1")

	requireAuth := opts.Auth != nil && cfg.Auth.Enabled
	if requireAuth {
		api.Use(opts.Auth.RequireAuth())
	}
	if opts.RateLimiter != nil && cfg.RateLimit.Enabled {
		api.Use(opts.RateLimiter.RateLimitMiddleware(auth.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    cfg.RateLimit.WindowDuration,
		}))
	}

	// Read-only endpoints
	{
		api.GET("/workers", handler.ListWorkers)
		api.GET("/leader", handler.GetLeader)
		api.GET("/topologies", handler.ListTopologies)
		api.GET("/topologies/:uuid", handler.GetTopology)
		if requireAuth {
			api.GET("/auth/profile", handler.Profile)
		}
	}

	operator := api.Group("")
	if requireAuth {
		operator.Use(opts.Auth.RequireOperator())
	}
	{
		operator.POST("/topologies", handler.RegisterTopology)
		operator.POST("/topologies/:uuid/enable", handler.EnableTopology)
		operator.POST("/topologies/:uuid/disable", handler.DisableTopology)
		operator.POST("/topologies/:uuid/clear-error", handler.ClearTopologyError)
		operator.POST("/rebalance", handler.Rebalance)
	}

	admin := api.Group("")
	if requireAuth {
		admin.Use(opts.Auth.RequireAdmin())
	}
	{
		admin.POST("/workers/:name/commands", handler.SendWorkerCommand)
	}

	return router
}

func allowsAnyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func maxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func GinLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
