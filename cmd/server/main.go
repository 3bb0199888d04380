// Package main is the entry point for fundwatch, the fund holdings change tracker.
// It ingests daily holdings snapshots, records significant share changes, queues
// each changeset for analysis and serves the results over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/fundwatch/internal/config"
	"github.com/aristath/fundwatch/internal/di"
	"github.com/aristath/fundwatch/internal/server"
	"github.com/aristath/fundwatch/pkg/logger"
)

// main wires the container, starts the HTTP server and the scheduler, then blocks
// until SIGINT or SIGTERM and shuts both down.
//
// Databases (all under FUNDWATCH_DATA_DIR):
// - holdings.db: funds, holding snapshots, change ledger
// - queue.db: analysis queue and SQLite artifacts
// - jobs.db: job execution history and retry entries
// - client_data.db: provider response cache
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Fallback logger so the configuration error is still visible
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting fundwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, _, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	// Closing flushes WAL checkpoints
	defer container.Close()

	srv := server.New(server.Config{
		Log:       log,
		Databases: container.Databases(),
		Funds:     container.FundRepo,
		Snapshots: container.SnapshotRepo,
		Changes:   container.ChangeRepo,
		Tasks:     container.QueueRepo,
		History:   container.History,
		Retries:   container.RetryRepo,
		Artifacts: container.ArtifactStore,
		Jobs:      container.Scheduler,
		EventBus:  container.EventBus,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Jobs see a cancelled context and stop between items; Stop waits for them
	cancel()
	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
