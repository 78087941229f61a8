package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/api"
	"candle-break-backtester/internal/auth"
	"candle-break-backtester/internal/binance"
	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/pipeline"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := pipeline.NewLogger(cfg.LoggingConfig, "main")
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	eventBus := events.NewEventBus()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := pipeline.OpenServices(ctx, cfg, eventBus, logger)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer services.Close()

	settings, err := pipeline.FromConfig(cfg, time.Now())
	if err != nil {
		log.Fatalf("Failed to resolve pipeline settings: %v", err)
	}

	var source binance.KlineSource
	if cfg.PipelineConfig.Source == "csv" {
		source = pipeline.NewCSVSource(cfg.PipelineConfig.DataDir, logger)
	} else {
		source = services.KlineSource(cfg.BinanceConfig, logger)
	}

	snapshot := api.NewRunSnapshot()
	opts := services.PipelineOptions(source, eventBus, logger)
	opts.Snapshot = snapshot

	p, err := pipeline.New(settings, opts)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	drainTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second

	if !cfg.ServerConfig.Enabled {
		err := runPipeline(ctx, p, eventBus, logger)
		drainEvents(eventBus, drainTimeout, logger)
		if err != nil {
			services.Close()
			log.Fatalf("Backtest failed: %v", err)
		}
		logger.Info("Shutdown complete")
		return
	}

	server := api.NewServer(cfg.ServerConfig, serverDependencies(cfg, services, snapshot, eventBus, logger))

	// Start web server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start web server: %v", err)
		}
	}()
	logger.Info("API available", "host", cfg.ServerConfig.Host, "port", cfg.ServerConfig.Port)

	go func() {
		if err := runPipeline(ctx, p, eventBus, logger); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Backtest failed, API keeps serving stored opportunities")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Error shutting down web server")
	}
	drainEvents(eventBus, drainTimeout, logger)

	logger.Info("Shutdown complete")
}

// drainEvents waits for in-flight subscribers such as notifiers.
func drainEvents(bus *events.EventBus, timeout time.Duration, logger *logging.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		logger.WithError(err).Warn("Event delivery still running at exit")
	}
}

func runPipeline(ctx context.Context, p *pipeline.Pipeline, bus *events.EventBus, logger *logging.Logger) error {
	logger.Info("Starting backtest", "run_id", p.RunID())
	result, err := p.Run(ctx)
	if err != nil {
		bus.PublishError("pipeline", "backtest failed", err)
		return err
	}
	logger.Info("Backtest finished",
		"run_id", p.RunID(),
		"trades", result.Metrics.TotalTrades,
		"win_rate", result.Metrics.WinRate,
		"final_bankroll", result.State.Bankroll)
	return nil
}

func serverDependencies(cfg *config.Config, services *pipeline.Services, snapshot *api.RunSnapshot, bus *events.EventBus, logger *logging.Logger) api.Dependencies {
	deps := api.Dependencies{
		Store:    services.Store,
		Runs:     snapshot,
		EventBus: bus,
		Logger:   logger,
	}
	if services.DB != nil {
		deps.Database = services.DB
	}
	if cfg.AuthConfig.Enabled {
		deps.JWT = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
		logger.Info("API authentication enabled")
	}
	return deps
}
