package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/capigate/capigate/internal/analyzer"
	"github.com/capigate/capigate/internal/api/middleware"
	"github.com/capigate/capigate/internal/api/rest"
	"github.com/capigate/capigate/internal/cache"
	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/filter"
	"github.com/capigate/capigate/internal/geoip"
	"github.com/capigate/capigate/internal/pkg/logger"
	"github.com/capigate/capigate/internal/proxy"
	"github.com/capigate/capigate/internal/repository"
	"github.com/capigate/capigate/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "capigate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("capigate starting",
		"port", cfg.Port, "capi", cfg.Proxy.CAPIURL,
		"driver", cfg.Database.Driver, "validation", cfg.Validation.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := repository.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database ready", "driver", cfg.Database.Driver)

	enricher, err := geoip.New(cfg.GeoIP.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	defer enricher.Close()

	memory, err := cache.New(cfg.Validation.MaxMemoryEntries)
	if err != nil {
		return fmt.Errorf("failed to build validation cache: %w", err)
	}
	validator := validation.New(cfg.Validation, cfg.Proxy.CAPIURL, memory, store, log)

	cleanup := validation.NewCleanupService(memory, store,
		time.Duration(cfg.Validation.CleanupIntervalSec)*time.Second, log)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	filters, err := filter.BuildAll(cfg.Filters)
	if err != nil {
		return fmt.Errorf("invalid filter config: %w", err)
	}
	engine := filter.NewEngine(filters)
	log.Info("filter engine ready", "filters", len(filters), "enabled", engine.EnabledCount())

	scheduler := analyzer.NewScheduler(cfg.Analyzers, cfg.LAPIServers, store,
		time.Duration(cfg.Proxy.TimeoutMs)*time.Millisecond, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	router := mux.NewRouter()

	// Interception path first: /v2/* and /v3/* bypass the admin middleware
	// chain entirely, agents only ever see the forwarder.
	forwarder := proxy.New(cfg.Proxy.CAPIURL, cfg.Proxy.TimeoutMs, validator, engine, enricher, store, log)
	forwarder.Register(router)

	// Admin surface.
	healthz := rest.NewHealthzHandler(store)
	router.HandleFunc("/health", healthz.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	handler := rest.NewHandler(store, scheduler, enricher)
	rest.SetupRoutes(apiRouter, handler)
	apiRouter.Use(middleware.RequestID)
	apiRouter.Use(middleware.StructuredLog)
	apiRouter.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
	apiRouter.Use(middleware.RateLimit())

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: c.Handler(router),
		// No WriteTimeout: upstream CAPI calls already carry their own
		// timeout and long decision streams must not be cut mid-response.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", "error", err)
	}
	log.Info("server exited")
	return nil
}
