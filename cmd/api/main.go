package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/cartolane/cartolane/internal/api"
	"github.com/cartolane/cartolane/internal/api/middleware"
	"github.com/cartolane/cartolane/internal/config"
	"github.com/cartolane/cartolane/internal/crypto"
	"github.com/cartolane/cartolane/internal/delivery"
	"github.com/cartolane/cartolane/internal/gateway"
	"github.com/cartolane/cartolane/internal/postcard"
	"github.com/cartolane/cartolane/internal/storage"
	"github.com/cartolane/cartolane/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("development").Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.AppEnv)
	log.Info("application_startup", "env", cfg.AppEnv)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.AppEnv,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Error("cipher_init_failed", "error", err)
		os.Exit(1)
	}

	clients := storage.NewClientRepo(pool)
	configs := storage.NewEmailConfigRepo(pool)
	requests := storage.NewRequestRepo(pool)
	leases := storage.NewLeaseRepo(pool)

	service := gateway.NewService(requests, configs)
	renderer := postcard.NewRenderer(os.DirFS(cfg.AssetsDir))
	dispatcher := delivery.NewDispatcher(requests, configs, cipher, cfg.MaxRetries)
	worker := delivery.NewWorker(requests, delivery.PGLeases{Repo: leases}, renderer, dispatcher, delivery.Options{
		PollInterval:   cfg.PollInterval,
		SweepInterval:  cfg.SweepInterval,
		StuckThreshold: cfg.StuckThreshold,
		BatchSize:      cfg.BatchSize,
	})

	gate := &middleware.Gate{
		Directory:    clients,
		Secrets:      cipher,
		Salt:         cfg.APIKeySalt,
		HMACEnforced: cfg.HMACEnforced,
		MaxBodySize:  cfg.MaxBodySize,
	}

	server := api.NewServer(api.ServerDeps{
		Pool:           pool,
		Gate:           gate,
		Service:        service,
		ClientAdmin:    clients,
		Invalidator:    dispatcher,
		AdminJWTSecret: cfg.AdminJWTSecret,
	})

	// The worker runs in-process; additional instances (cmd/worker) can
	// join safely because the lease lock serializes each cycle.
	workerCtx, stopWorker := context.WithCancel(ctx)
	go worker.Run(workerCtx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_failed", "error", err)
	case sig := <-shutdown:
		log.Info("shutdown_started", "signal", sig.String())
	}

	stopWorker()
	dispatcher.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server_shutdown_failed", "error", err)
		srv.Close()
	}
	log.Info("shutdown_complete")
}
