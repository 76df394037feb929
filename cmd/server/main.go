/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the shop's balance and payment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Connect the Redis list-view cache (optional)
  5. Create the ledger service, metrics, API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.sqlite_path
           Use ":memory:" for in-memory database

ENVIRONMENT:
  Every config key can be set as LEDGER_<SECTION>_<KEY>, for example
  LEDGER_DATABASE_DRIVER=postgres or LEDGER_REDIS_ENABLED=true.
  A .env file in the working directory is loaded first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close cache and database connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL with the Redis cache
  LEDGER_DATABASE_DRIVER=postgres \
  LEDGER_DATABASE_POSTGRES_DSN=postgres://shop@localhost/ledger \
  LEDGER_REDIS_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - ledger/service.go: Ledger service
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/pos-ledger/api"
	"github.com/warp/pos-ledger/cache"
	"github.com/warp/pos-ledger/config"
	"github.com/warp/pos-ledger/ledger"
	"github.com/warp/pos-ledger/metrics"
	"github.com/warp/pos-ledger/store/postgres"
	"github.com/warp/pos-ledger/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.SQLitePath = *dbPath
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer closeStore.Close()

	m := metrics.New()
	opts := []ledger.Option{ledger.WithLogger(logger), ledger.WithObserver(m)}

	// The cache is optional: without it every list view reads the store.
	if cfg.Redis.Enabled {
		rc, err := cache.New(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Warn("Redis unavailable, list view cache disabled", zap.Error(err))
		} else {
			defer rc.Close()
			opts = append(opts, ledger.WithCache(rc))
		}
	}

	svc := ledger.NewService(store, opts...)
	handler := api.NewHandler(svc, logger)
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.Server.CorsAllowedOrigins,
		Metrics:        m,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("driver", cfg.Database.Driver),
			zap.Bool("cache", cfg.Redis.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, io.Closer, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.Database.PostgresDSN, postgres.WithLockTimeout(cfg.Database.LockTimeout))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := sqlite.New(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
