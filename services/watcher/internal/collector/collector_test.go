package collector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/cache"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/store"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/ckan"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/export"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/models"
)

var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// 10:30 in New York on 2025-10-01.
var runNow = time.Date(2025, 10, 1, 14, 30, 0, 0, time.UTC)

func day(h int) time.Time {
	return time.Date(2025, 10, 1, h, 0, 0, 0, time.UTC)
}

type fakeFetcher struct {
	rows   map[time.Time][]models.Record
	failAt time.Time
	calls  []time.Time
}

func (f *fakeFetcher) FetchHour(_ context.Context, hour time.Time) ([]models.Record, error) {
	f.calls = append(f.calls, hour)
	if !f.failAt.IsZero() && hour.Equal(f.failAt) {
		return nil, &ckan.UpstreamFetchError{Hour: hour, Err: errors.New("503 Service Unavailable")}
	}
	return f.rows[hour], nil
}

func siteRows(value string) []models.Record {
	return []models.Record{
		{Site: "Avalon", Parameter: "PM25", ReportValue: json.RawMessage(value)},
		{Site: "Clairton", Parameter: "PM10", ReportValue: json.RawMessage(value)},
		{Site: "Nowhere", Parameter: "PM10", ReportValue: json.RawMessage(value)},
	}
}

type recordingImporter struct {
	batches [][]json.RawMessage
}

func (r *recordingImporter) ImportBatch(_ context.Context, records []json.RawMessage) reconcile.BatchResult {
	r.batches = append(r.batches, records)
	return reconcile.BatchResult{Inserted: len(records)}
}

// flakyImporter fails every record with a storage error while down is set.
type flakyImporter struct {
	down    bool
	stored  int
	batches int
}

func (f *flakyImporter) ImportBatch(_ context.Context, records []json.RawMessage) reconcile.BatchResult {
	f.batches++
	if f.down {
		res := reconcile.BatchResult{Failed: len(records)}
		for range records {
			res.Errors = append(res.Errors, &store.StorageError{Op: "upsert", Err: errors.New("connection refused")})
		}
		return res
	}
	f.stored += len(records)
	return reconcile.BatchResult{Inserted: len(records)}
}

// switchingImporter goes down from the downFrom-th batch on.
type switchingImporter struct {
	inner    *flakyImporter
	downFrom int
	seen     int
}

func (s *switchingImporter) ImportBatch(ctx context.Context, records []json.RawMessage) reconcile.BatchResult {
	s.seen++
	s.inner.down = s.seen >= s.downFrom
	return s.inner.ImportBatch(ctx, records)
}

type importerFunc func(context.Context, []json.RawMessage) reconcile.BatchResult

func (f importerFunc) ImportBatch(ctx context.Context, records []json.RawMessage) reconcile.BatchResult {
	return f(ctx, records)
}

func openDir(t *testing.T) *export.Dir {
	t.Helper()
	d, err := export.Open(filepath.Join(t.TempDir(), "achd_updates"))
	require.NoError(t, err)
	return d
}

func readWatermark(t *testing.T, d *export.Dir) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(d.Path(), export.WatermarkFile))
	require.NoError(t, err)
	return string(raw)
}

func newCollector(f Fetcher, d *export.Dir, imp Importer, dryRun bool) *Collector {
	return New(f, d, imp, zap.NewNop(), Options{
		Location: newYork,
		DryRun:   dryRun,
		Now:      func() time.Time { return runNow },
	})
}

func TestRun_ExportsUntilFirstEmptyHourAndImports(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	engine := reconcile.New(s, zap.NewNop(), reconcile.Options{Now: func() time.Time { return day(4) }})

	d := openDir(t)
	f := &fakeFetcher{rows: map[time.Time][]models.Record{
		day(1): siteRows("1"),
		day(2): siteRows("2"),
		day(3): siteRows("3"),
		day(5): siteRows("5"),
	}}

	sum, err := newCollector(f, d, engine, false).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, day(0), sum.From)
	assert.Equal(t, day(3), sum.To)
	assert.Equal(t, day(4), sum.StoppedAt)
	assert.Equal(t, 3, sum.Hours)
	assert.Equal(t, 6, sum.Records)
	assert.Len(t, sum.Files, 3)
	assert.Equal(t, []time.Time{day(1), day(2), day(3), day(4)}, f.calls)

	assert.Equal(t, "2025-10-01T03:00:00", readWatermark(t, d))

	assert.Equal(t, 2, sum.Imported.Inserted)
	assert.Equal(t, 4, sum.Imported.Merged)
	assert.Zero(t, sum.Imported.Failed)
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.ElementsMatch(t, []string{
		"achd_update_date_2025-10-01_hour_1.json",
		"achd_update_date_2025-10-01_hour_2.json",
	}, sum.Removed)
	_, err = os.Stat(filepath.Join(d.Path(), "achd_update_date_2025-10-01_hour_3.json"))
	assert.NoError(t, err)
}

func TestRun_ImportDropsLatestCache(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))

	mr := miniredis.RunT(t)
	latest := cache.NewLatestCache(cache.NewRedisClient(mr.Addr(), "", 0), time.Minute)
	t.Cleanup(func() { _ = latest.Close() })
	gen, err := latest.Generation(ctx)
	require.NoError(t, err)
	require.NoError(t, latest.Set(ctx, gen, 50, nil))

	engine := reconcile.New(cache.NewInvalidatingStore(s, latest, zap.NewNop()), zap.NewNop(), reconcile.Options{})
	f := &fakeFetcher{rows: map[time.Time][]models.Record{day(1): siteRows("1")}}

	_, err = newCollector(f, openDir(t), engine, false).Run(ctx)
	require.NoError(t, err)
	_, err = latest.Get(ctx, 50)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestRun_CatchesUpToNow(t *testing.T) {
	d := openDir(t)
	rows := map[time.Time][]models.Record{}
	for h := 1; h <= 11; h++ {
		rows[day(h)] = siteRows("4")
	}
	imp := &recordingImporter{}

	sum, err := newCollector(&fakeFetcher{rows: rows}, d, imp, false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Hours)
	assert.Equal(t, day(10), sum.To)
	assert.True(t, sum.StoppedAt.IsZero())
	assert.Len(t, imp.batches, 10)
	assert.Equal(t, "2025-10-01T10:00:00", readWatermark(t, d))
}

func TestRun_UpstreamErrorStopsWithoutAdvancing(t *testing.T) {
	d := openDir(t)
	imp := &recordingImporter{}
	f := &fakeFetcher{
		rows:   map[time.Time][]models.Record{day(1): siteRows("1"), day(2): siteRows("2")},
		failAt: day(2),
	}

	sum, err := newCollector(f, d, imp, false).Run(context.Background())
	var ferr *ckan.UpstreamFetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, day(2), ferr.Hour)
	assert.Equal(t, day(1), sum.To)
	assert.Equal(t, "2025-10-01T01:00:00", readWatermark(t, d))
	assert.Len(t, imp.batches, 1, "hours exported before the failure are still imported")

	// The next run resumes at the failed hour.
	f.failAt = time.Time{}
	f.calls = nil
	sum, err = newCollector(f, d, imp, false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(2), f.calls[0])
	assert.Equal(t, day(2), sum.To)
}

func TestRun_StoreOutageRetriesHourOnNextRun(t *testing.T) {
	d := openDir(t)
	f := &fakeFetcher{rows: map[time.Time][]models.Record{
		day(1): siteRows("1"),
		day(2): siteRows("2"),
		day(3): siteRows("3"),
	}}
	imp := &flakyImporter{down: true}

	sum, err := newCollector(f, d, imp, false).Run(context.Background())
	require.Error(t, err)
	var serr *store.StorageError
	assert.True(t, errors.As(err, &serr))
	assert.Equal(t, day(0), sum.To)
	assert.Equal(t, day(1), sum.StoppedAt)
	assert.Zero(t, sum.Hours)
	assert.Equal(t, 2, sum.Imported.Failed)
	assert.Equal(t, "2025-10-01T00:00:00", readWatermark(t, d))
	assert.Equal(t, []time.Time{day(1)}, f.calls)

	imp.down = false
	f.calls = nil
	sum, err = newCollector(f, d, imp, false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(1), f.calls[0])
	assert.Equal(t, day(3), sum.To)
	assert.Equal(t, 3, sum.Hours)
	assert.Equal(t, 6, imp.stored)
	assert.Equal(t, "2025-10-01T03:00:00", readWatermark(t, d))
}

func TestRun_StoreOutageMidRunKeepsImportedHours(t *testing.T) {
	d := openDir(t)
	f := &fakeFetcher{rows: map[time.Time][]models.Record{
		day(1): siteRows("1"),
		day(2): siteRows("2"),
	}}
	imp := &flakyImporter{}
	c := newCollector(f, d, &switchingImporter{inner: imp, downFrom: 2}, false)

	sum, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, day(1), sum.To)
	assert.Equal(t, "2025-10-01T01:00:00", readWatermark(t, d))
	assert.Empty(t, sum.Removed)
	for _, h := range []int{1, 2} {
		_, err := os.Stat(filepath.Join(d.Path(), export.FileName(day(h))))
		assert.NoError(t, err)
	}
}

func TestRun_InvalidRecordsDoNotHoldWatermark(t *testing.T) {
	d := openDir(t)
	f := &fakeFetcher{rows: map[time.Time][]models.Record{day(1): siteRows("1")}}
	imp := importerFunc(func(_ context.Context, records []json.RawMessage) reconcile.BatchResult {
		return reconcile.BatchResult{
			Inserted: len(records) - 1,
			Failed:   1,
			Errors:   []error{&reading.ValidationError{Field: "t", Reason: "required"}},
		}
	})

	sum, err := newCollector(f, d, imp, false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(1), sum.To)
	assert.Equal(t, 1, sum.Imported.Failed)
	assert.Equal(t, "2025-10-01T01:00:00", readWatermark(t, d))
}

func TestRun_WatermarkNeverRegresses(t *testing.T) {
	d := openDir(t)
	require.NoError(t, d.SaveWatermark(day(9)))

	sum, err := newCollector(&fakeFetcher{}, d, &recordingImporter{}, false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(9), sum.To)
	assert.Equal(t, "2025-10-01T09:00:00", readWatermark(t, d))

	// A watermark ahead of the clock is left where it is.
	require.NoError(t, d.SaveWatermark(day(20)))
	f := &fakeFetcher{}
	sum, err = newCollector(f, d, &recordingImporter{}, false).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.calls)
	assert.Equal(t, day(20), sum.To)
	assert.Equal(t, "2025-10-01T20:00:00", readWatermark(t, d))
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	d := openDir(t)
	imp := &recordingImporter{}
	f := &fakeFetcher{rows: map[time.Time][]models.Record{day(1): siteRows("1")}}

	sum, err := newCollector(f, d, imp, true).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Hours)
	assert.Empty(t, sum.Files)
	assert.Empty(t, imp.batches)
	assert.Equal(t, day(0), sum.To)

	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_CancelledContext(t *testing.T) {
	d := openDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{rows: map[time.Time][]models.Record{day(1): siteRows("1")}}
	sum, err := newCollector(f, d, &recordingImporter{}, false).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.calls)
	assert.Equal(t, day(0), sum.To)
}

func TestCivil(t *testing.T) {
	got := civil(time.Date(2025, 10, 1, 3, 15, 0, 0, time.UTC), newYork)
	assert.Equal(t, time.Date(2025, 9, 30, 23, 15, 0, 0, time.UTC), got)
}
