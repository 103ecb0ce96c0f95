package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/config"
	"github.com/zoff-tech/go-memrelay/pkg/sink"
	"github.com/zoff-tech/go-memrelay/pkg/store"
	"github.com/zoff-tech/go-memrelay/pkg/telemetry"
	"github.com/zoff-tech/go-memrelay/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/outbox-worker")
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

	deliverySink, err := sink.NewSink(ctx, cfg.Sink)
	if err != nil {
		log.Fatal("Failed to initialize delivery sink: ", err)
	}
	defer deliverySink.Close()

	deliveryWorker, err := worker.NewDeliveryWorker(outboxStore, ledger, deliverySink, cfg.Worker, cfg.Sink.Timeout, logger)
	if err != nil {
		log.Fatal("Failed to initialize delivery worker: ", err)
	}

	// Blocks until the context is cancelled
	deliveryWorker.Run(ctx)
}
