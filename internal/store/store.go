// Package store persists readings. Two backends share one contract: Postgres
// through pgx for deployments and SQLite for local runs and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

// Store is the reading table contract shared by both backends.
type Store interface {
	// Upsert inserts the row keyed by id or overwrites the supplied fields of
	// the existing row, refreshing created_at either way. Atomic per call.
	Upsert(ctx context.Context, id int64, f reading.Fields) error
	// Get returns nil when no row has this id.
	Get(ctx context.Context, id int64) (*reading.Reading, error)
	// FindNearby returns the closest row observed at or after since whose
	// distance to (lat, lon) is strictly below radius meters, or nil.
	FindNearby(ctx context.Context, lat, lon, radius float64, since int64) (*reading.Reading, error)
	// QueryLatest returns rows with a real location, newest created_at first.
	// A limit <= 0 returns every row.
	QueryLatest(ctx context.Context, limit int) ([]reading.Reading, error)
	// DeleteOlderThan removes rows observed before cutoff in one transaction.
	DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error)
	Count(ctx context.Context) (int64, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// StorageError wraps every failure coming out of a backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *StorageError
	if errors.As(err, &serr) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err came from a store backend.
func IsStorageError(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr)
}

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a backend.
type Option func(*options)

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for migrations and debug traces.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open picks a backend from the database URL. postgres:// and postgresql://
// URLs (or keyword DSNs with host=) go to Postgres; sqlite:, file: and
// :memory: go to SQLite.
func Open(ctx context.Context, databaseURL string, opts ...Option) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"), strings.Contains(url, "host="):
		return NewPostgres(ctx, url, opts...)
	case strings.HasPrefix(url, "sqlite:"):
		return NewSQLite(strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//"), opts...)
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return NewSQLite(url, opts...)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", redact(url))
	}
}

func redact(url string) string {
	if i := strings.Index(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "***" + url[i:]
		}
	}
	return url
}

// nearest applies the proximity rule to a candidate set: strictly below
// radius, smallest distance, first candidate wins on an exact tie.
func nearest(candidates []reading.Reading, lat, lon, radius float64) *reading.Reading {
	var (
		best    *reading.Reading
		minDist = radius
	)
	for i := range candidates {
		d := candidates[i].DistanceTo(lat, lon)
		if d < minDist {
			minDist = d
			best = &candidates[i]
		}
	}
	return best
}

// fieldArgs lays out the patch in column order (t through src) for the upsert statements.
func fieldArgs(f reading.Fields) []any {
	return []any{
		f.T, f.La, f.Lo, f.Lad, f.Lod, f.Bs,
		f.PM1, f.PM25, f.PM10,
		f.P0p3, f.P0p5, f.P1, f.P2p5, f.P5, f.P10,
		f.V, f.N, f.C, f.Tmp, f.RH, f.Src,
	}
}

// scanDest returns scan targets for every column of readingColumns except created_at.
func scanDest(r *reading.Reading) []any {
	return []any{
		&r.ID, &r.T, &r.La, &r.Lo, &r.Lad, &r.Lod, &r.Bs,
		&r.PM1, &r.PM25, &r.PM10,
		&r.P0p3, &r.P0p5, &r.P1, &r.P2p5, &r.P5, &r.P10,
		&r.V, &r.N, &r.C, &r.Tmp, &r.RH, &r.Src,
	}
}

const readingColumns = `id, t, la, lo, lad, lod, bs,
        pm1, pm25, pm10, p0p3, p0p5, p1, p2p5, p5, p10,
        v, n, c, tmp, rh, src, created_at`
