// Package retention deletes readings that fall out of the retention window.
package retention

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

const (
	DefaultWindow   = 30 * 24 * time.Hour
	DefaultInterval = 24 * time.Hour
	DefaultTimeout  = 30 * time.Second
)

// Deleter removes rows observed before a unix cutoff.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error)
}

// Config controls the sweep. Zero values take the defaults.
type Config struct {
	Window   time.Duration
	Interval time.Duration
	Timeout  time.Duration
}

// Sweeper runs DeleteOlderThan(now - window) at startup and on every interval.
type Sweeper struct {
	store     Deleter
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
	scheduler *gocron.Scheduler
}

// New creates a sweeper over store.
func New(store Deleter, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sweeper{
		store:  store,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Sweep deletes everything older than the window and returns the count.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cutoff := s.now().Add(-s.cfg.Window)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff.Unix())
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, err
	}

	s.logger.Info("retention sweep complete",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.Duration("window", s.cfg.Window),
	)
	return deleted, nil
}

// Start schedules the sweep. The first run happens immediately.
func (s *Sweeper) Start() error {
	s.scheduler = gocron.NewScheduler(time.UTC)
	s.scheduler.SingletonModeAll()

	_, err := s.scheduler.Every(s.cfg.Interval).Do(func() {
		// Failures are logged inside Sweep; the schedule keeps going.
		_, _ = s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("retention sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("window", s.cfg.Window),
	)
	return nil
}

// Stop halts future sweeps.
func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
