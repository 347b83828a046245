package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/imagefy/internal/backup"
	"github.com/dukerupert/imagefy/internal/config"
	"github.com/dukerupert/imagefy/internal/database"
	"github.com/dukerupert/imagefy/internal/email"
	"github.com/dukerupert/imagefy/internal/imagesearch"
	"github.com/dukerupert/imagefy/internal/jobs"
	"github.com/dukerupert/imagefy/internal/logging"
	"github.com/dukerupert/imagefy/internal/metrics"
	"github.com/dukerupert/imagefy/internal/middleware"
	"github.com/dukerupert/imagefy/internal/server"
	billing "github.com/dukerupert/imagefy/internal/stripe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.Environment)

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	stripeClient := billing.NewClient(billing.Config{
		SecretKey:       cfg.Stripe.SecretKey,
		WebhookSecret:   cfg.Stripe.WebhookSecret,
		PortalReturnURL: cfg.Stripe.PortalReturnURL,
		Timeout:         cfg.Stripe.Timeout,
		MaxRetries:      2,
	})

	limiter, cleaner, closeLimiter := newLimiter(cfg.RedisURL)
	defer closeLimiter()

	srv := server.New(db, stripeClient, limiter, server.Config{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
		SecretCodes:    cfg.SecretCodes,
		DBTimeout:      cfg.DBTimeout,
		RedeemLimit:    cfg.RedeemLimit,
		RedeemWindow:   cfg.RedeemWindow,
		TrustedProxies: cfg.TrustedProxies,
		ImageSearch: imagesearch.Config{
			APIKey:  cfg.ImageSearch.APIKey,
			BaseURL: cfg.ImageSearch.BaseURL,
		},
	}, logger)

	alerts := email.NewClient(cfg.Alerts.PostmarkToken, cfg.Alerts.FromEmail, cfg.Alerts.ToEmail)
	if alerts.Configured() {
		srv.Reconciler().SetAlerter(alerts)
	}

	scheduler, err := jobs.New(jobs.Config{
		ReplaySchedule:    cfg.ReplaySchedule,
		ReplayMaxAttempts: cfg.ReplayMaxAttempts,
	}, srv.Reconciler(), cleaner, logger.With("component", "jobs"))
	if err != nil {
		slog.Error("failed to configure scheduler", "error", err)
		os.Exit(1)
	}
	if err := scheduleBackups(scheduler, cfg.Backup, db, logger); err != nil {
		slog.Error("failed to configure backups", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("imagefy service starting",
			"addr", httpServer.Addr,
			"environment", cfg.Environment,
			"database", db.Driver(),
			"secret_codes", len(cfg.SecretCodes),
			"image_search", cfg.ImageSearch.APIKey != "",
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scheduler.Stop(ctx)
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// scheduleBackups registers the backup job when S3 and a passphrase are
// configured. Only SQLite databases can be snapshotted this way.
func scheduleBackups(scheduler *jobs.Scheduler, cfg config.Backup, db *database.DB, logger *slog.Logger) error {
	bcfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		},
		Passphrase: cfg.Passphrase,
		Prefix:     cfg.Prefix,
		Retention:  cfg.Retention,
	}
	if !bcfg.Enabled() {
		return nil
	}
	if db.Driver() != database.DriverSQLite {
		slog.Warn("backups are only supported for sqlite, skipping", "driver", db.Driver())
		return nil
	}

	manager := backup.NewManager(bcfg, db, backup.NewS3Client(bcfg.S3), logger.With("component", "backup"))
	return scheduler.AddBackup(cfg.Schedule, manager)
}

// newLimiter uses Redis when configured so every instance shares one window
// per client, and falls back to the in-process limiter otherwise.
func newLimiter(redisURL string) (middleware.Limiter, jobs.Cleaner, func()) {
	if redisURL == "" {
		rl := middleware.NewRateLimiter()
		return rl, rl, func() {}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL, using in-memory rate limiter", "error", err)
		rl := middleware.NewRateLimiter()
		return rl, rl, func() {}
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable at startup, requests fail open until it recovers", "error", err)
	}
	return middleware.NewRedisLimiter(rdb, ""), nil, func() { rdb.Close() }
}
