// Package main is the entry point for the QMS workflow server binary.
// It dispatches three subcommands (serve, migrate and version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place.
// The serve command runs auto-migration on startup when backed by PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/qms-lifecycle/qms-lifecycle/internal/api"
	"github.com/qms-lifecycle/qms-lifecycle/internal/audit"
	"github.com/qms-lifecycle/qms-lifecycle/internal/auth"
	"github.com/qms-lifecycle/qms-lifecycle/internal/calendar"
	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/repositories"
	"github.com/qms-lifecycle/qms-lifecycle/internal/jobs"
	"github.com/qms-lifecycle/qms-lifecycle/internal/middleware"
	"github.com/qms-lifecycle/qms-lifecycle/internal/notify"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/safego"
	"github.com/qms-lifecycle/qms-lifecycle/internal/signature"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store/memory"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
	"github.com/qms-lifecycle/qms-lifecycle/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	configPath := os.Getenv("CONFIG_PATH")

	switch command {
	case "serve":
		return serve(configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("QMS Lifecycle %s\n", api.Version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(configPath string) error {
	// The calendar exists only after the first load, so reloads go through this hook.
	var live atomic.Pointer[calendar.Calendar]
	cfg, err := config.LoadAndWatch(configPath, func(next *config.Config) {
		cal := live.Load()
		if cal == nil {
			return
		}
		if err := cal.SetHolidays(next.Calendar.Holidays); err != nil {
			slog.Error("failed to reload holidays", "error", err)
			return
		}
		slog.Info("business calendar holidays reloaded", "count", len(next.Calendar.Holidays))
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(cfg.Auth.JWTSecret); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		return fmt.Errorf("invalid calendar configuration: %w", err)
	}
	live.Store(cal)

	st, pinger, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	permOpts := []permissions.Option{permissions.WithRequestCacheSize(cfg.Workflow.PermissionRequestCacheSize)}
	var checks []api.ReadinessCheck
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		permOpts = append(permOpts, permissions.WithPathCache(permissions.NewRedisPathCache(rdb, cfg.Redis.DepartmentCacheTTL)))
		checks = append(checks, api.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		slog.Info("department path cache backed by redis", "addr", cfg.Redis.Addr)
	}
	perms := permissions.NewService(st, permOpts...)

	var sealer *signature.Sealer
	if cfg.Signature.SigningKeyFile != "" {
		sealer, err = signature.LoadSealer(cfg.Signature.SigningKeyFile, cfg.Signature.SigningKeyPassphrase)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		slog.Info("signature sealing enabled")
	}

	shipper, err := audit.NewMultiShipper(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to configure audit shipping: %w", err)
	}
	defer shipper.Close()
	slog.Info("audit shipping configured", "destinations", shipper.Len())

	notifier := notify.Multi{notify.Log{}}
	if cfg.Notifications.Enabled {
		notifier = append(notifier, notify.NewWebhook(cfg.Notifications))
	}

	scheduler := jobs.NewEscalationScheduler(cal, nil, cfg.Escalation.NearDueWindow, cfg.Escalation.QueueSize)
	engine, err := workflow.New(cfg.Workflow, workflow.Deps{
		Store:       st,
		Permissions: perms,
		Audit:       audit.NewRecorder(st, shipper, nil),
		Signatures:  signature.NewService(st, sealer, cfg.Signature.RequireReauthentication, nil),
		Calendar:    cal,
		Timers:      scheduler,
		Notifier:    notifier,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	armed, err := scheduler.Rehydrate(ctx, st)
	if err != nil {
		return fmt.Errorf("failed to rehydrate escalation timers: %w", err)
	}
	slog.Info("escalation timers rehydrated", "armed", armed)

	router := api.NewRouter(cfg, api.Dependencies{
		Engine:      engine,
		Users:       st,
		Permissions: perms,
		DB:          pinger,
		RateLimiter: middleware.NewRateLimiter(middleware.DefaultRateLimitConfig(), nil),
		Checks:      checks,
	})
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		safego.Run("escalation-scheduler", func() { scheduler.Start(gctx) })
		return nil
	})
	g.Go(func() error {
		engine.Run(gctx, scheduler.Fires())
		return nil
	})
	g.Go(func() error {
		slog.Info("starting server", "addr", server.Addr, "backend", cfg.Storage.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if cfg.Telemetry.Metrics.Enabled {
		metrics := metricsServer(cfg.Telemetry.Metrics.PrometheusPort)
		g.Go(func() error {
			slog.Info("starting Prometheus metrics server", "addr", metrics.Addr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metrics.Close()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured backend. The returned pinger is nil for the
// in-memory store.
func openStore(cfg *config.Config) (store.Store, api.Pinger, func(), error) {
	if cfg.Storage.Backend == "memory" {
		slog.Warn("using in-memory store; all data is lost on exit")
		return memory.New(), nil, func() {}, nil
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)
	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	return repositories.NewStore(database), database, func() { database.Close() }, nil
}

func metricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}
