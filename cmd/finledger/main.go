package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"finledger/internal/backend"
	"finledger/internal/cli"
	apphttp "finledger/internal/http"
	"finledger/internal/log"
	"finledger/internal/middleware/ratelimit"
	"finledger/internal/notify"
	"finledger/internal/services"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentApp)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	be, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	// Alerts always reach the log; the broker gets them too when available.
	forwarder := notify.NewForwarder(be.Bus, logger)
	forwarder.Alerts(notify.NewLogSink(logger))
	if be.AMQP != nil {
		forwarder.Alerts(notify.NewAMQPSink(be.AMQP))
		forwarder.Recalculations(be.AMQP)
	}

	// In-process drift repair covers deployments without a worker.
	repairer := services.NewDriftRepairer(be.Service, be.Engine, services.DriftRepairerConfig{
		SweepInterval: cfg.DriftSweepInterval,
	}, logger)
	unsubscribe := be.Bus.SubscribeMutations(repairer.HandleMutation)

	ready := make(map[string]apphttp.ReadyCheck)
	for name, check := range be.ReadyChecks() {
		ready[name] = apphttp.ReadyCheck(check)
	}

	limit := ratelimit.DefaultConfig()
	limit.RequestsPerMinute = cfg.RateLimit

	srv := apphttp.NewServer(":"+cfg.Port, be.Service, apphttp.Options{
		Logger:         logger,
		Ready:          ready,
		RateLimit:      limit,
		TrustedProxies: cfg.TrustedProxies,
	})

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 35 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		unsubscribe()
		if err := repairer.Stop(shutdownCtx); err != nil {
			logger.Warn("Drift repairer stop error", log.FieldError, err)
		}
		forwarder.Close()
		if err := be.Close(); err != nil {
			logger.Error("Backend close error", log.FieldError, err)
		}
	})

	if err := repairer.Start(ctx); err != nil {
		logger.Error("Failed to start drift repairer", log.FieldError, err)
		os.Exit(1)
	}

	logger.Info("Starting finledger server",
		"port", cfg.Port, "backend", cfg.DataBackend, "amqp_enabled", be.AMQP != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
