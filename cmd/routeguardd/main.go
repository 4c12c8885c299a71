package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meshpay/routeguard/internal/config"
	"github.com/meshpay/routeguard/internal/registry"
	"github.com/meshpay/routeguard/internal/server"
	"github.com/meshpay/routeguard/internal/storage/sqldb"
	"github.com/meshpay/routeguard/internal/telemetry"
	"github.com/meshpay/routeguard/internal/verifier"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("ROUTEGUARD_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("routeguard", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := sqldb.New(cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	// Seed the agent directory mirror from config (dev and test networks).
	if len(cfg.Registry.Agents) > 0 {
		if err := registry.Seed(context.Background(), store, cfg.Registry.Agents); err != nil {
			log.Fatalf("Failed to seed registry: %v", err)
		}
		logger.Info("registry seeded", slog.Int("agents", len(cfg.Registry.Agents)))
	}

	v := verifier.New(store, cfg, time.Now, logger)

	srv := server.New(v, server.Options{
		Port:              cfg.Server.Port,
		RequestTimeout:    time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("routeguard started",
		slog.Int("port", cfg.Server.Port),
		slog.String("dsn", cfg.Storage.DSN),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-sigChan:
	}

	logger.Info("shutdown signal received, draining requests")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
