package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/config"
	"github.com/zoff-tech/go-memrelay/pkg/reconciler"
	"github.com/zoff-tech/go-memrelay/pkg/store"
	"github.com/zoff-tech/go-memrelay/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/outbox-reconciler")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	outboxStore, err := store.NewStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize outbox store: ", err)
	}

	ledger, err := audit.NewLedger(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize audit ledger: ", err)
	}

	engine, err := reconciler.NewReconciler(outboxStore, ledger, cfg.Reconciler, logger)
	if err != nil {
		log.Fatal("Failed to initialize reconciler: ", err)
	}

	report, err := engine.Run(ctx)
	if err != nil {
		logger.Fatal("reconciliation run failed", zap.Error(err))
	}

	overview, err := engine.Overview(ctx)
	if err != nil {
		logger.Fatal("overview failed", zap.Error(err))
	}

	out := struct {
		Report   *reconciler.Report   `json:"report"`
		Overview *reconciler.Overview `json:"overview"`
	}{Report: report, Overview: overview}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		logger.Fatal("encoding report failed", zap.Error(err))
	}
}
