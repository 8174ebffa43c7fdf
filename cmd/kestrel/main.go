// Kestrel - Fraud scoring you can read the reasons for.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if path := os.Getenv("KESTREL_BUNDLE"); path != "" {
		cfg.Bundle.Path = path
	}
	if os.Getenv("KESTREL_FORWARD_COMPATIBLE") == "true" {
		cfg.Bundle.ForwardCompatible = true
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"bundle", cfg.Bundle.Path,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load model bundle. No bundle, no service.
	b, err := bundle.Load(cfg.Bundle.Path)
	if err != nil {
		slog.Error("failed to load model bundle", "path", cfg.Bundle.Path, "error", err)
		os.Exit(1)
	}
	slog.Info("bundle loaded",
		"bundle_version", b.Manifest.BundleVersion,
		"schema_version", b.Schema.Version,
		"features", b.Schema.Size(),
		"models", len(b.Models),
	)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize scoring engine
	eng, err := engine.New(b, cfg, engine.Deps{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	health := eng.Health()
	slog.Info("engine initialized",
		"ml_models", health.Models.MLCount,
		"dl_models", health.Models.DLCount,
		"min_quorum", cfg.Engine.MinQuorum,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, eng)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, eng, repo, cacheImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, b, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, b *bundle.Bundle, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Fraud Scoring + Explanations         ║")
	fmt.Println("  ║       Every score has a reason.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Bundle:   %s (%d models)\n", b.Manifest.BundleVersion, len(b.Models))
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict                      - Score a feature vector")
	fmt.Println("    POST /predict/batch                - Score a batch of vectors")
	fmt.Println("    POST /explain                      - Score with explanation")
	fmt.Println("    GET  /evaluations                  - List recent evaluations")
	fmt.Println("    GET  /evaluations/{id}             - Get evaluation by ID")
	fmt.Println("    GET  /evaluations/{id}/explanation - Get stored explanation")
	fmt.Println("    GET  /info                         - Bundle and policy info")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
