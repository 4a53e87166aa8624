package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"analysis-engine/internal/config"
	"analysis-engine/internal/logging"
	"analysis-engine/internal/queue"
	"analysis-engine/internal/store"
	"analysis-engine/internal/telemetry"
	workerproc "analysis-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if cfg.AutoMigrate {
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	q := queue.NewManagerFromConfig(st, cfg, logger)

	strategy, err := workerproc.NewStrategy(cfg)
	if err != nil {
		log.Fatalf("execution strategy: %v", err)
	}
	materializer, exporter, err := workerproc.NewMaterializerAndExporter(ctx, cfg)
	if err != nil {
		log.Fatalf("object storage: %v", err)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = workerproc.DefaultWorkerID()
	}
	processor := workerproc.NewProcessorWithID(cfg, q, strategy, materializer, workerID)
	processor.SetLogger(logger)
	if exporter != nil {
		processor.SetExporter(exporter)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	logger.Info("worker starting",
		"worker_id", workerID,
		"environment", cfg.ExecutionEnvironment,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"pid", os.Getpid())
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
