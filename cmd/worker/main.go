package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/cartolane/cartolane/internal/config"
	"github.com/cartolane/cartolane/internal/crypto"
	"github.com/cartolane/cartolane/internal/delivery"
	"github.com/cartolane/cartolane/internal/postcard"
	"github.com/cartolane/cartolane/internal/storage"
	"github.com/cartolane/cartolane/pkg/logger"
)

// Standalone delivery worker. Any number of these can run next to the
// api process; the lease lock guarantees one active cycle at a time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("development").Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.AppEnv)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.AppEnv}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Error("cipher_init_failed", "error", err)
		os.Exit(1)
	}

	requests := storage.NewRequestRepo(pool)
	configs := storage.NewEmailConfigRepo(pool)
	leases := storage.NewLeaseRepo(pool)

	renderer := postcard.NewRenderer(os.DirFS(cfg.AssetsDir))
	dispatcher := delivery.NewDispatcher(requests, configs, cipher, cfg.MaxRetries)
	worker := delivery.NewWorker(requests, delivery.PGLeases{Repo: leases}, renderer, dispatcher, delivery.Options{
		PollInterval:   cfg.PollInterval,
		SweepInterval:  cfg.SweepInterval,
		StuckThreshold: cfg.StuckThreshold,
		BatchSize:      cfg.BatchSize,
	})

	worker.Run(ctx)
	dispatcher.Wait()
	log.Info("worker_shutdown_complete")
}
