package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/cache"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/ingress"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/logging"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/retention"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/store"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/api/config"
	httpserver "github.com/02loveslollipop/Kaze-air-quality-viewer/services/api/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "kaze-api")
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

	latest := openCache(ctx, cfg, logger)
	defer func() { _ = latest.Close() }()

	writes := cache.NewInvalidatingStore(db, latest, logger)
	engine := reconcile.New(writes, logger.Named("reconcile"), reconcile.Options{
		MergeRadius: cfg.MergeRadius,
		Lookback:    cfg.MergeLookback,
	})

	sweeper := retention.New(writes, logger.Named("retention"), retention.Config{
		Window:   cfg.RetentionWindow,
		Interval: cfg.RetentionInterval,
		Timeout:  cfg.StoreTimeout,
	})
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("retention scheduler: %w", err)
	}
	defer sweeper.Stop()

	if cfg.MQTTEnabled() {
		sub := ingress.NewSubscriber(ingress.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Port:     cfg.MQTTPort,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
			Timeout:  cfg.StoreTimeout,
		}, engine, logger)
		defer sub.Disconnect()
		go func() {
			if err := sub.Connect(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt ingress unavailable", zap.Error(err))
			}
		}()
	}

	srv := httpserver.New(cfg, db, engine, latest, logger.Named("http"))
	logger.Info("REST API listening", zap.String("addr", cfg.ListenAddr()))

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// openCache returns nil when Redis is not configured or not reachable; the
// API then reads straight from the store.
func openCache(ctx context.Context, cfg config.Config, logger *zap.Logger) *cache.LatestCache {
	if !cfg.CacheEnabled() {
		return nil
	}
	c := cache.NewLatestCache(cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg.CacheTTL)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, latest cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = c.Close()
		return nil
	}
	logger.Info("latest cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
	return c
}
