// Package api wires together all HTTP routes for the QMS workflow service.
//
// Route grouping:
//   - /health and /ready are unauthenticated so that orchestrators can probe the
//     process without credentials.
//   - Everything under /api/v1/ requires a bearer JWT naming an active user.
//     Capability checks happen inside the engine, not in route middleware,
//     because they depend on the record and the workflow step being acted on.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qms-lifecycle/qms-lifecycle/internal/api/workflows"
	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/middleware"
	"github.com/qms-lifecycle/qms-lifecycle/internal/workflow"
)

// Version is stamped at build time via -ldflags
var Version = "dev"

// Pinger reports whether the backing database is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReadinessCheck is a named probe run by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the collaborators the router serves
type Dependencies struct {
	Engine      *workflow.Engine
	Users       middleware.UserLookup
	Permissions middleware.RequestCacher
	// DB is nil when the in-memory store is used.
	DB          Pinger
	RateLimiter *middleware.RateLimiter
	Checks      []ReadinessCheck
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.AuditContextMiddleware())

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Checks))
	router.GET("/version", versionHandler(cfg))

	rl := deps.RateLimiter
	if rl == nil {
		rl = middleware.NewRateLimiter(middleware.DefaultRateLimitConfig(), nil)
	}

	h := workflows.NewHandlers(deps.Engine)
	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.Users))
	v1.Use(middleware.RateLimitMiddleware(rl))
	v1.Use(middleware.PermissionCacheMiddleware(deps.Permissions))
	{
		wf := v1.Group("/workflows")
		wf.POST("", h.StartWorkflowHandler())
		wf.GET("/:id", h.GetWorkflowHandler())
		wf.POST("/:id/steps/:seq/submit", h.SubmitStepHandler())
		wf.POST("/:id/steps/:seq/reassign", h.ReassignStepHandler())
		wf.POST("/:id/withdraw", h.WithdrawWorkflowHandler())
		wf.POST("/:id/escalate", h.EscalateHandler())
		wf.POST("/:id/effective", h.MakeEffectiveHandler())

		records := v1.Group("/records")
		records.POST("/:id/revisions", h.ReviseRecordHandler())
		records.GET("/:id/audit", h.AuditTrailHandler())
		records.GET("/:id/permissions", h.PermissionsHandler())
		records.GET("/:id/signatures", h.ListSignaturesHandler())

		v1.GET("/signatures/:id/verify", h.VerifySignatureHandler())
	}

	return router
}

// healthCheckHandler reports liveness, including database reachability when a
// database is configured
// GET /health
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler runs the database probe followed by every registered check
// GET /ready
func readinessHandler(db Pinger, checks []ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		results := gin.H{}

		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				results["database"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": results,
					"error":  "database not ready",
				})
				return
			}
			results["database"] = "healthy"
		}

		for _, chk := range checks {
			if err := chk.Check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", chk.Name, "error", err)
				results[chk.Name] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": results,
					"error":  chk.Name + " not ready",
				})
				return
			}
			results[chk.Name] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": results,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version
// GET /version
func versionHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"service":     cfg.Telemetry.ServiceName,
		})
	}
}

// LoggerMiddleware logs one structured record per request. The output format
// follows the handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("actor_id", middleware.ActorID(c)),
		)
	}
}
