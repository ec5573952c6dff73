package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pettycash/internal/adapters"
	"pettycash/internal/amqp"
	"pettycash/internal/api"
	"pettycash/internal/cache"
	"pettycash/internal/capture"
	"pettycash/internal/config"
	"pettycash/internal/expenseform"
	apphttp "pettycash/internal/http"
	applog "pettycash/internal/log"
	"pettycash/internal/services"
	"pettycash/internal/storage"
)

// ledgerTTL bounds how stale a backend read shown in the UI can be.
const ledgerTTL = 30 * time.Second

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

	logCfg, err := applog.FromSettings(applog.ComponentApp, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLogger.Error("Invalid logging settings", applog.FieldError, err)
		os.Exit(1)
	}
	logger := applog.New(logCfg)
	applog.SetDefault(logger)

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository",
			applog.FieldError, err,
			applog.FieldComponent, applog.ComponentStorage,
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

	// The outbox poller delivers without AMQP, so a missing broker only
	// slows delivery down.
	var publisher services.Publisher
	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Warn("AMQP unavailable, relying on the sync poller",
			applog.FieldError, err,
			applog.FieldComponent, applog.ComponentAMQP)
	} else {
		publisher = amqpClient
		defer amqpClient.Close()
	}

	expenses := services.NewExpenseService(repo, publisher)
	transfers := services.NewTransferService(repo, repo, backend, publisher)

	ledger := adapters.NewLedger(backend, repo, ledgerTTL)
	caches := cache.NewManager()
	ledger.RegisterCaches(caches)
	caches.StartCleanup(time.Minute)
	defer caches.Stop()

	devices, err := cameraDevices(cfg.CameraBackend, cfg.CameraDevice)
	if err != nil {
		logger.Error("Failed to initialize camera", applog.FieldError, err)
		os.Exit(1)
	}
	drafts := expenseform.NewDrafts()
	previews := capture.NewPreviewStore()
	captures := capture.NewManager(func(widgetID string) *capture.Workflow {
		session := capture.NewSession(devices,
			capture.WithOrigin(cfg.PublicURL),
			capture.WithConstraints(capture.Constraints{
				FacingMode: capture.FacingEnvironment,
				Width:      cfg.CameraWidth,
				Height:     cfg.CameraHeight,
			}))
		return capture.NewWorkflow(session,
			capture.WithPreviews(previews),
			capture.OnCapture(func(img *capture.CapturedImage) {
				drafts.Put(widgetID, expenseform.Receipt(img))
			}),
			capture.OnDiscard(func() { drafts.Drop(widgetID) }))
	}, cfg.CaptureIdleTimeout)
	captures.OnReap(drafts.Drop)
	defer captures.Close()

	checks := []apphttp.ReadinessCheck{
		{Name: "sqlite", Check: repo.Ping},
		{Name: "backend", Check: backend.Ping},
	}
	if amqpClient != nil {
		checks = append(checks, apphttp.ReadinessCheck{Name: "amqp", Check: func(context.Context) error {
			if !amqpClient.Healthy() {
				return errors.New("broker connection down")
			}
			return nil
		}})
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Expenses:       expenses,
		Transfers:      transfers,
		Ledger:         ledger,
		Captures:       captures,
		Drafts:         drafts,
		Checks:         checks,
		Logger:         logger,
		TrustedProxies: cfg.TrustedProxies,
		SecureCookies:  strings.HasPrefix(cfg.PublicURL, "https://"),
	})

	srv.ReadTimeout = time.Minute
	srv.WriteTimeout = time.Minute
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String(), applog.FieldOperation, applog.OpShutdown)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err, applog.FieldOperation, applog.OpShutdown)
		}
		cancel()
	}()

	logger.Info("Starting pettycash server",
		"port", cfg.Port,
		"camera_backend", cfg.CameraBackend,
		"backend_url", cfg.BackendURL,
		"amqp", amqpClient != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
