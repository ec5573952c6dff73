package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pettycash/internal/amqp"
	"pettycash/internal/api"
	"pettycash/internal/config"
	applog "pettycash/internal/log"
	"pettycash/internal/services"
	"pettycash/internal/storage"
	"pettycash/internal/worker"
)

const (
	consumerPrefetch = 5
	clientRefresh    = 6 * time.Hour
)

func main() {
	bootLogger := applog.New(applog.DefaultConfig())
	if err := config.LoadDotEnv(); err != nil {
		bootLogger.Warn("Ignoring .env file", applog.FieldError, err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}

	logCfg, err := applog.FromSettings(applog.ComponentWorker, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLogger.Error("Invalid logging settings", applog.FieldError, err)
		os.Exit(1)
	}
	logger := applog.New(logCfg)
	applog.SetDefault(logger)
	logger.Info("Starting pettycash-worker")

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository",
			applog.FieldError, err,
			"path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("SQLite outbox ready",
		applog.FieldComponent, applog.ComponentStorage,
		"path", cfg.SQLiteDBPath,
		"schema_version", repo.SchemaVersion())

	backend, err := api.New(cfg.BackendURL, cfg.BackendTimeout)
	if err != nil {
		logger.Error("Failed to initialize backend client", applog.FieldError, err)
		os.Exit(1)
	}

	procCfg := services.DefaultSyncProcessorConfig()
	procCfg.PollInterval = cfg.SyncInterval
	procCfg.BatchSize = cfg.SyncBatchSize
	procCfg.MaxRetries = cfg.SyncMaxRetries
	processor := services.NewSyncProcessor(repo, backend, procCfg)
	transfers := services.NewTransferService(repo, repo, backend, nil)
	syncWorker := worker.NewSyncWorker(processor, transfers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Performing startup sync check...")
	syncWorker.StartupSyncCheck(ctx)
	if err := syncWorker.RefreshClients(ctx); err != nil {
		logger.Warn("Initial client refresh failed", applog.FieldError, err)
	}

	if err := processor.Start(ctx); err != nil {
		logger.Error("Failed to start sync processor", applog.FieldError, err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Without a broker the poller alone drains the outbox.
	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Warn("AMQP unavailable, running in polling-only mode",
			applog.FieldError, err,
			applog.FieldComponent, applog.ComponentAMQP)
	} else {
		defer amqpClient.Close()
		g.Go(func() error {
			err := amqpClient.ConsumeOutboxSync(gctx, consumerPrefetch, syncWorker.HandleSyncMessage)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(clientRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := syncWorker.RefreshClients(gctx); err != nil {
					logger.Warn("Periodic client refresh failed", applog.FieldError, err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", applog.FieldError, err)
	}
	logger.Info("Shutdown signal received, stopping worker", applog.FieldOperation, applog.OpShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := processor.Stop(shutdownCtx); err != nil {
		logger.Warn("Sync processor did not stop cleanly", applog.FieldError, err)
	}
	logger.Info("Worker shutdown complete")
}
