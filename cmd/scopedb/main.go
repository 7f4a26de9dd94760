package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/claim"
	claimValkey "github.com/kailas-cloud/scopedb/internal/claim/valkey"
	"github.com/kailas-cloud/scopedb/internal/config"
	"github.com/kailas-cloud/scopedb/internal/db"
	dbMemory "github.com/kailas-cloud/scopedb/internal/db/memory"
	dbMongo "github.com/kailas-cloud/scopedb/internal/db/mongodb"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	logpkg "github.com/kailas-cloud/scopedb/internal/logger"
	"github.com/kailas-cloud/scopedb/internal/manifest"
	"github.com/kailas-cloud/scopedb/internal/metrics"
	"github.com/kailas-cloud/scopedb/internal/pattern"
	"github.com/kailas-cloud/scopedb/internal/proxy"
	chiTransport "github.com/kailas-cloud/scopedb/internal/transport/chi"
	healthuc "github.com/kailas-cloud/scopedb/internal/usecase/health"
	"github.com/kailas-cloud/scopedb/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting scopedb",
		zap.String("version", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("db_name", cfg.Database.Name),
		zap.String("claims_driver", cfg.Claims.Driver),
		zap.String("stamp_field", cfg.Scoping.StampField),
		zap.Bool("autoindex", cfg.AutoIndex.IsEnabled()),
	)

	ctx := context.Background()

	// Document database
	var database db.Database
	switch cfg.Database.Driver {
	case config.DriverMongo:
		database, err = dbMongo.NewStore(ctx, dbMongo.Config{
			URI:      cfg.Database.URI,
			Database: cfg.Database.Name,
			AppName:  "scopedb",
		})
	case config.DriverMemory:
		logger.Warn("Using the in-memory database; data is lost on exit")
		database = dbMemory.New(dbMemory.Options{})
	default:
		logger.Fatal("Unknown database driver", zap.String("driver", cfg.Database.Driver))
	}
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := database.Close(closeCtx); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}()

	if err := database.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register metrics explicitly (no init())
	metrics.RegisterEngineMetrics()
	metrics.RegisterHTTPMetrics()

	// Claims: in-process unless several workers share the database
	var (
		claims       claim.Claimer
		claimsHealth healthuc.ClaimsPinger
	)
	if cfg.Claims.Driver == config.DriverValkey {
		store, err := claimValkey.NewStore(claimValkey.Config{
			Addrs:    cfg.Claims.Addrs,
			Password: cfg.Claims.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create claim store", zap.Error(err))
		}
		defer store.Close()
		claims, claimsHealth = store, store
	}

	engine, err := proxy.NewEngine(database, proxy.Config{
		StampField:  cfg.Scoping.StampField,
		CallTimeout: cfg.Database.CallTimeout(),
		AutoIndex:   cfg.AutoIndex.IsEnabled(),
		Patterns: pattern.Config{
			Threshold:   cfg.AutoIndex.Threshold,
			MaxPatterns: cfg.AutoIndex.MaxPatterns,
			ClaimTTL:    cfg.Claims.TTL(),
		},
		Builds: indexbuild.Config{
			Concurrency:  cfg.Builds.Concurrency,
			PollInterval: cfg.Builds.PollInterval(),
			Timeout:      cfg.Builds.Timeout(),
			CallTimeout:  cfg.Database.CallTimeout(),
			MaxRetries:   cfg.Builds.MaxRetries,
			RetryBackoff: cfg.Builds.RetryBackoff(),
		},
	}, claims, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	// Declared tenants and indexes
	if cfg.Manifest.Path != "" {
		m, err := manifest.Load(cfg.Manifest.Path)
		if err != nil {
			logger.Fatal("Failed to load manifest", zap.Error(err))
		}
		acts, err := manifest.Activate(ctx, engine, m, logger.Named("manifest"))
		if err != nil {
			// Failed specs are logged per index; the rest keep building.
			logger.Error("Some declared indexes were not ensured", zap.Error(err))
		}
		logger.Info("Manifest activated",
			zap.Int("tenants", len(m.Tenants)),
			zap.Int("collections", len(acts)),
		)
	}

	// Status server
	server := chiTransport.NewServer(healthuc.New(engine, claimsHealth), engine.Builds())

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.HTTP.APIKeys))
	r.Use(metrics.Middleware())
	server.Register(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	// In-flight builds end as failed with reason canceled.
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error("Error closing engine", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}
