package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/damozycodes/Bybit/internal/config"
	"github.com/damozycodes/Bybit/internal/cycle"
	"github.com/damozycodes/Bybit/internal/database"
	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/damozycodes/Bybit/internal/logger"
	"github.com/damozycodes/Bybit/internal/notify"
	"github.com/damozycodes/Bybit/internal/store"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")
	st := store.NewStore(db)

	// Initialize Bybit REST client and verify connectivity
	restClient := exchange.NewRestClient(&cfg.Exchange, log)
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := restClient.GetBalance(probeCtx, cfg.Conversion.TargetAsset); err != nil {
		probeCancel()
		log.Fatal("Failed to connect to Bybit API", zap.Error(err))
	}
	probeCancel()
	log.Info("Successfully connected to Bybit API.")

	// Notifications go out by email when configured, and are recorded
	// in the database either way.
	var notifier notify.Notifier = notify.Nop{}
	if cfg.Email.Enabled {
		notifier = notify.NewEmailNotifier(&cfg.Email, log)
	}
	notifier = notify.NewRecorder(notifier, st, cfg.Email.Recipient, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	orch, err := cycle.NewOrchestrator(log, &cfg, st, restClient, notifier)
	if err != nil {
		log.Fatal("Invalid trading configuration", zap.Error(err))
	}

	apiServer := cycle.NewAPIServer(cfg.Server.Port, orch, st, log)
	apiServer.Start()

	if err := orch.Run(ctx); err != nil {
		log.Error("Trade cycle stopped with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete.")
}
