package main

import (
	"context"
	"errors"
	"os"
	"time"

	"finledger/internal/backend"
	"finledger/internal/cli"
	"finledger/internal/log"
	"finledger/internal/services"
	"finledger/internal/worker"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentWorker)
	logger.Info("Starting finledger-worker")

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}
	if cfg.DataBackend != string(backend.SQLiteBackend) {
		logger.Warn("Worker is running against a non-persistent backend", "backend", cfg.DataBackend)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	be, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	if be.AMQP == nil {
		be.Close()
		logger.Error("Broker unreachable, worker cannot consume", "url_set", cfg.AMQPURL != "")
		os.Exit(1)
	}

	repairer := services.NewDriftRepairer(be.Service, be.Engine, services.DriftRepairerConfig{
		SweepInterval: cfg.DriftSweepInterval,
	}, logger)
	recalc := worker.NewRecalcWorker(repairer, be.Repo, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := repairer.Stop(shutdownCtx); err != nil {
			logger.Warn("Drift repairer stop error", log.FieldError, err)
		}
		if err := be.Close(); err != nil {
			logger.Error("Backend close error", log.FieldError, err)
		}
	})

	// Catch drift from messages missed while the worker was down.
	if err := recalc.StartupCheck(ctx); err != nil {
		logger.Error("Failed startup drift check", log.FieldError, err)
		// Don't exit - the periodic sweep retries.
	}

	if err := repairer.Start(ctx); err != nil {
		logger.Error("Failed to start drift repairer", log.FieldError, err)
		os.Exit(1)
	}

	go func() {
		if err := be.AMQP.ConsumeRecalculations(ctx, recalc.HandleRecalculationMessage); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", log.FieldError, err)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
