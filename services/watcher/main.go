package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/cache"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/logging"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/store"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/aggregate"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/ckan"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/collector"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/config"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/export"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("watcher failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "kaze-watcher")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db connection error: %w", err)
	}
	defer db.Close()

	if err := store.WaitReady(ctx, db, cfg.DBWaitAttempts, cfg.DBWaitDelay, logger); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	dir, err := export.Open(cfg.ExportDir)
	if err != nil {
		return err
	}

	client := ckan.New(ckan.Config{
		BaseURL:    cfg.CKANBaseURL,
		ResourceID: cfg.CKANResourceID,
		Parameters: aggregate.ParameterCodes(),
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
	}, logger.Named("ckan"))

	var latest *cache.LatestCache
	if cfg.RedisAddr != "" {
		// The API caches latest rows; imports here must drop that cache too.
		latest = cache.NewLatestCache(cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), 0)
		defer func() { _ = latest.Close() }()
	}
	writes := cache.NewInvalidatingStore(db, latest, logger.Named("cache"))

	engine := reconcile.New(writes, logger.Named("reconcile"), reconcile.Options{
		MergeRadius:   cfg.MergeRadius,
		Lookback:      cfg.MergeLookback,
		RecordTimeout: cfg.StoreTimeout,
	})

	c := collector.New(client, dir, engine, logger.Named("collector"), collector.Options{
		Location: cfg.Location,
		DryRun:   cfg.DryRun,
	})

	collect := func() {
		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()

		sum, err := c.Run(runCtx)
		if err != nil {
			logger.Error("collection run incomplete", zap.String("summary", sum.String()), zap.Error(err))
			return
		}
		logger.Info("collection run complete", zap.String("summary", sum.String()), zap.Int("stale_removed", len(sum.Removed)))
	}

	if cfg.RunOnce {
		collect()
		return nil
	}

	scheduler := gocron.NewScheduler(cfg.Location)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(cfg.Interval).Do(collect); err != nil {
		return fmt.Errorf("schedule collector: %w", err)
	}
	scheduler.StartAsync()
	logger.Info("watcher started",
		zap.Duration("interval", cfg.Interval),
		zap.String("export_dir", dir.Path()),
		zap.Bool("dry_run", cfg.DryRun),
	)

	<-ctx.Done()
	scheduler.Stop()
	logger.Info("watcher stopped")
	return nil
}
