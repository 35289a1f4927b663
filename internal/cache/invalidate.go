package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/store"
)

// InvalidatingStore drops the latest cache after every successful write so
// readers never see rows older than the last upsert or sweep.
type InvalidatingStore struct {
	store.Store
	cache  *LatestCache
	logger *zap.Logger
}

// NewInvalidatingStore wraps s. A nil cache makes it a plain pass-through.
func NewInvalidatingStore(s store.Store, c *LatestCache, logger *zap.Logger) *InvalidatingStore {
	return &InvalidatingStore{Store: s, cache: c, logger: logger}
}

// Upsert writes through and invalidates on success.
func (s *InvalidatingStore) Upsert(ctx context.Context, id int64, f reading.Fields) error {
	if err := s.Store.Upsert(ctx, id, f); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// DeleteOlderThan invalidates only when rows were actually removed.
func (s *InvalidatingStore) DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	n, err := s.Store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.invalidate(ctx)
	}
	return n, nil
}

func (s *InvalidatingStore) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("latest cache invalidation failed", zap.Error(err))
	}
}
