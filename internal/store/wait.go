package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pinger is anything that can report database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitReady pings until the database answers or attempts run out. Each ping
// gets its own timeout of delay (minimum one second).
func WaitReady(ctx context.Context, db Pinger, attempts int, delay time.Duration, logger *zap.Logger) error {
	if attempts <= 0 {
		attempts = 1
	}
	pingTimeout := delay
	if pingTimeout < time.Second {
		pingTimeout = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			logger.Info("database connection successful", zap.Int("attempt", attempt))
			return nil
		}

		logger.Warn("waiting for database",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr),
		)
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return wrap("wait ready", lastErr)
}
