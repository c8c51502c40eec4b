// Clearance - Deterministic customs document validation and risk scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/clearance/internal/api"
	"github.com/opensource-finance/clearance/internal/archive"
	"github.com/opensource-finance/clearance/internal/assessor"
	"github.com/opensource-finance/clearance/internal/bus"
	"github.com/opensource-finance/clearance/internal/cache"
	"github.com/opensource-finance/clearance/internal/compliance"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/metrics"
	"github.com/opensource-finance/clearance/internal/procedure"
	"github.com/opensource-finance/clearance/internal/registry"
	"github.com/opensource-finance/clearance/internal/repository"
	"github.com/opensource-finance/clearance/internal/rules"
	"github.com/opensource-finance/clearance/internal/telemetry"
	"github.com/opensource-finance/clearance/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting clearance",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"archive", cfg.Archive.Type,
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

	// A malformed rulebook or catalog is fatal: never serve with an invalid registry.
	reg, err := registry.LoadFile(cfg.Rules.RulebookPath)
	if err != nil {
		slog.Error("failed to load rulebook", "error", err)
		os.Exit(1)
	}
	slog.Info("rulebook loaded",
		"rule_version", reg.Version(),
		"rulebook_digest", reg.Digest(),
		"rules_count", len(reg.Rules()),
		"source", reg.Source(),
	)

	catalog, err := procedure.LoadFile(cfg.Rules.ProceduresPath)
	if err != nil {
		slog.Error("failed to load procedure catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("procedure catalog loaded", "procedures_count", len(catalog.List()), "source", catalog.Source())

	// Initialize tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

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

	// Initialize Archive
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		slog.Error("failed to initialize archive", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	opts := []assessor.Option{
		assessor.WithEngine(rules.NewEngine(cfg.Rules.MaxWorkers)),
		assessor.WithRepository(repo),
		assessor.WithCache(cacheImpl, cfg.Rules.ResultTTL),
		assessor.WithEventBus(busImpl),
		assessor.WithCompliance(compliance.NewService(repo, cacheImpl)),
		assessor.WithMetrics(m),
	}
	if arch != nil {
		opts = append(opts, assessor.WithArchive(arch))
	}
	svc := assessor.NewService(registry.NewHolder(reg), catalog, opts...)

	if err := svc.RecordRulebook(ctx); err != nil {
		slog.Error("failed to record rulebook", "rule_version", reg.Version(), "error", err)
		os.Exit(1)
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("CLEARANCE_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, svc)

		workerCfg := worker.Config{TenantIDs: splitTenants(os.Getenv("CLEARANCE_TENANTS"))}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg, svc, repo, cacheImpl, m, prometheus.DefaultGatherer, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("clearance is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, reg, Version)

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
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("clearance shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("CLEARANCE_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// splitTenants parses a comma-separated tenant list.
func splitTenants(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, reg *registry.Registry, version string) {
	fmt.Println()
	fmt.Println("  CLEARANCE")
	fmt.Println("  Customs document validation and risk scoring")
	fmt.Println()
	fmt.Printf("  Version:   %s\n", version)
	fmt.Printf("  Rulebook:  %s (%d rules)\n", reg.Version(), len(reg.Rules()))
	fmt.Printf("  Tier:      %s\n", cfg.Tier)
	fmt.Printf("  Server:    http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assess                              - Assess a document set")
	fmt.Println("    POST /assess/checklist                    - Every rule with its outcome")
	fmt.Println("    GET  /assessments                         - List audit records")
	fmt.Println("    GET  /assessments/{id}                    - Get audit record by ID")
	fmt.Println("    GET  /assessments/{id}/verify             - Recompute record digests")
	fmt.Println("    POST /assessments/{id}/explanations/verify - Check numbers in an explanation")
	fmt.Println("    GET  /rules                               - Active rulebook")
	fmt.Println("    POST /rules/reload                        - Hot-reload the rulebook file")
	fmt.Println("    GET  /procedures                          - Procedure catalog")
	fmt.Println("    PUT  /entities/{id}/flag                  - Set a compliance flag")
	fmt.Println("    GET  /health                              - Health check")
	fmt.Println()
}
