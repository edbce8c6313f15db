// Package main runs the address history server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/bitemporal-io/bitemporal/pkg/addresses"
	"github.com/bitemporal-io/bitemporal/pkg/api"
	"github.com/bitemporal-io/bitemporal/pkg/bitemporal"
	"github.com/bitemporal-io/bitemporal/pkg/cache"
	"github.com/bitemporal-io/bitemporal/pkg/config"
	"github.com/bitemporal-io/bitemporal/pkg/db"
	"github.com/bitemporal-io/bitemporal/pkg/logging"
)

func main() {
	fs := pflag.CommandLine
	configPath := fs.String("config", "", "Path to a YAML config file")
	fs.String("listen", ":8080", "Address to listen on")
	fs.String("db-type", db.TypeSQLite, "Database type (sqlite, postgres or mysql)")
	fs.String("db-dsn", "", "Database connection string")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json or zap)")
	fs.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	// glog is only used for fatal startup errors.
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger, flush, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		glog.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() { _ = flush() }()

	logger.Info("starting bitemporal server",
		"listen", cfg.ListenAddr,
		"database", cfg.Database.Type,
		"cache", cfg.Cache.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Open(ctx, cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(gormDB); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	versions := cache.FromConfig[string, []addresses.Version](cfg.Cache)
	engine, err := addresses.NewEngine(gormDB, bitemporal.Config[addresses.Version, addresses.Address]{
		Logger: logger,
		Cache:  versions,
	})
	if err != nil {
		glog.Fatalf("Failed to create engine: %v", err)
	}
	if err := engine.AutoMigrate(ctx); err != nil {
		glog.Fatalf("Failed to migrate schema: %v", err)
	}
	parser, err := addresses.NewFilterParser()
	if err != nil {
		glog.Fatalf("Failed to build filter parser: %v", err)
	}

	router := api.NewRouter(api.Options{
		Engine:      engine,
		Filter:      parser,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
		Ready: func(ctx context.Context) error {
			sqlDB, err := gormDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("bitemporal server ready", "listen", cfg.ListenAddr, "kind", engine.Kind())

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	hits, misses := versions.Stats()
	logger.Info("bitemporal server stopped", "cacheHits", hits, "cacheMisses", misses)
}
