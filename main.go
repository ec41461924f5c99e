// Copyright 2025 Certen Protocol
//
// vApp engine service entry point
//
// Startup order: configuration, database + migrations, genesis
// initialization, then the batch pipeline (orchestrator, trigger
// scheduler, prover recovery) and the HTTP surfaces.

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/certen/vapp-engine/pkg/ads"
	"github.com/certen/vapp-engine/pkg/config"
	"github.com/certen/vapp-engine/pkg/database"
	"github.com/certen/vapp-engine/pkg/metrics"
	"github.com/certen/vapp-engine/pkg/nullifier"
	"github.com/certen/vapp-engine/pkg/orchestrator"
	"github.com/certen/vapp-engine/pkg/prover"
	"github.com/certen/vapp-engine/pkg/server"
)

func main() {
	envFile := flag.String("env", "", "optional .env file to load")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	logger := log.New(os.Stdout, "[Engine] ", log.LstdFlags)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Fatalf("Failed to load env file %s: %v", *envFile, err)
		}
	} else {
		// Best-effort default; absence is fine outside development.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	if *validateOnly {
		logger.Println("Configuration OK")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database and schema.
	client, err := database.NewClient(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer client.Close()

	if err := client.MigrateUp(ctx); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	repos := database.NewRepositories(client)

	// ADS service and genesis.
	adsService := ads.New(ads.NewDatabaseScope(client), &ads.Config{Operator: cfg.OperatorID})
	if err := adsService.EnsureGenesis(ctx); err != nil {
		logger.Fatalf("Failed to initialize tree: %v", err)
	}
	if err := adsService.ValidateChain(ctx); err != nil {
		logger.Fatalf("Tree failed startup validation: %v", err)
	}

	m := metrics.New("vapp")

	// Prover handoff and its recovery loop.
	proverClient := prover.NewHTTPClient(cfg.ProverURL, cfg.ProverTimeout)
	handoff := prover.NewHandoff(repos.Batches, proverClient, m, &prover.Config{
		RecoveryInterval: cfg.RecoveryInterval,
		RecoveryLimit:    50,
	})
	handoff.Start(ctx)
	defer handoff.Stop()

	// Batch pipeline.
	orch := orchestrator.New(client, repos, adsService, nullifier.SHA256Deriver{}, handoff, m, &orchestrator.Config{
		MaxBatchSize:    cfg.BatchMaxSize,
		RetryAttempts:   cfg.ClaimRetryAttempts,
		RetryBackoff:    cfg.ClaimRetryBackoff,
		DispatchTimeout: cfg.ProverTimeout,
	})
	scheduler := orchestrator.NewScheduler(orch, repos.Transactions, &orchestrator.SchedulerConfig{
		Interval:       cfg.BatchInterval,
		CountThreshold: cfg.BatchCountThreshold,
		ThresholdPoll:  cfg.ThresholdPoll,
	})
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Metrics endpoint.
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
	go func() {
		logger.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("Metrics server stopped: %v", err)
		}
	}()

	// Control surface.
	api := server.New(client, repos, adsService, orch, handoff, &server.Config{
		ListenAddr: cfg.ListenAddr,
		Metrics:    m,
	})
	go func() {
		if err := api.Start(); err != nil {
			logger.Printf("API server stopped: %v", err)
			stop()
		}
	}()

	logger.Printf("vApp engine up (batch_max=%d, interval=%s, threshold=%d)",
		cfg.BatchMaxSize, cfg.BatchInterval, cfg.BatchCountThreshold)

	<-ctx.Done()
	logger.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Printf("API shutdown error: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Metrics shutdown error: %v", err)
	}
	logger.Println("Shutdown complete")
}
