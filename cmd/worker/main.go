package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"topology-coordinator/internal/backend"
	"topology-coordinator/internal/config"
	"topology-coordinator/internal/coordinator"
	"topology-coordinator/internal/engine"
	"topology-coordinator/internal/logger"
	"topology-coordinator/internal/monitoring"
	"topology-coordinator/internal/tracing"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger, cfg.Worker.Name)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingManager, err := tracing.NewTracingManager(cfg.Tracing, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	store, err := backend.Open(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error("Failed to close storage", zap.Error(err))
		}
	}()

	metrics := monitoring.NewMetrics(nil, appLogger)
	healthChecker := monitoring.NewHealthChecker(appLogger)
	healthChecker.AddCheck("storage", store)

	// A shutdown command from the mailbox ends up cancelling ctx
	eng, err := engine.New(cfg.Engine.ToEngine(), appLogger,
		engine.WithMetrics(metrics),
		engine.WithShutdownFunc(cancel))
	if err != nil {
		appLogger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	healthChecker.AddCheck("engine", eng)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.GetMetricsAddr(), healthChecker); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	coord := coordinator.New(cfg.Worker.Name, store.Store, eng,
		cfg.Coordinator.ToCoordinator(), cfg.Leader.ToLeader(), appLogger,
		coordinator.WithMetrics(metrics))

	runErr := make(chan error, 1)
	go func() {
		runErr <- coord.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("Worker started", zap.String("storage", cfg.Storage.Backend))

	exitCode := 0
	select {
	case sig := <-sigChan:
		appLogger.Info("Shutting down worker...", zap.String("signal", sig.String()))
	case <-ctx.Done():
		appLogger.Info("Shutting down worker on request")
	case err := <-runErr:
		if errors.Is(err, coordinator.ErrLeaderStopped) {
			appLogger.Error("Leader stopped unexpectedly", zap.Error(err))
			exitCode = 1
		} else if err != nil {
			appLogger.Error("Coordinator failed", zap.Error(err))
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := coord.PreShutdown(shutdownCtx); err != nil {
		appLogger.Warn("Failed to announce shutdown", zap.Error(err))
	}
	if err := eng.StopAllTopologies(shutdownCtx); err != nil {
		appLogger.Error("Failed to stop topologies", zap.Error(err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown timed out", zap.Error(err))
	}
	cancel()

	if err := metrics.Stop(shutdownCtx); err != nil {
		appLogger.Error("Failed to shutdown metrics server", zap.Error(err))
	}
	if err := tracingManager.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Failed to shutdown tracing", zap.Error(err))
	}

	appLogger.Info("Worker shutdown complete")
	if exitCode != 0 {
		if err := store.Close(); err != nil {
			appLogger.Error("Failed to close storage", zap.Error(err))
		}
		eng.Exit(exitCode)
	}
}
