// Package collector runs one incremental pull: it walks the hours after the
// watermark, exports each hour that has data, imports the export through the
// reconciliation engine, then advances the watermark past that hour.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/aggregate"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/export"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/models"
)

// Fetcher returns the raw rows of one civil hour.
type Fetcher interface {
	FetchHour(ctx context.Context, hour time.Time) ([]models.Record, error)
}

// Importer reconciles a batch of normalized records.
type Importer interface {
	ImportBatch(ctx context.Context, records []json.RawMessage) reconcile.BatchResult
}

// Summary describes one run.
type Summary struct {
	From     time.Time
	To       time.Time
	Hours    int
	Records  int
	Files    []string
	Imported reconcile.BatchResult
	Removed  []string
	// StoppedAt is the first hour that was not exported, zero when the run
	// caught up with now.
	StoppedAt time.Time
}

// Collector is safe for sequential runs only; the scheduler keeps runs from
// overlapping.
type Collector struct {
	fetcher  Fetcher
	dir      *export.Dir
	importer Importer
	logger   *zap.Logger
	loc      *time.Location
	now      func() time.Time
	dryRun   bool
}

// Options tunes a Collector.
type Options struct {
	// Location is the upstream's civil time zone. Defaults to UTC.
	Location *time.Location
	DryRun   bool
	Now      func() time.Time
}

func New(fetcher Fetcher, dir *export.Dir, importer Importer, logger *zap.Logger, opts Options) *Collector {
	c := &Collector{
		fetcher:  fetcher,
		dir:      dir,
		importer: importer,
		logger:   logger,
		loc:      opts.Location,
		now:      opts.Now,
		dryRun:   opts.DryRun,
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Run performs one collection. Each exported hour is imported before the
// watermark moves past it. An upstream failure or an import that hits the
// store ends the hour walk at that hour, so the next run fetches and imports
// it again; the failure is returned. Records rejected as invalid do not hold
// the watermark back.
func (c *Collector) Run(ctx context.Context) (Summary, error) {
	now := civil(c.now(), c.loc)

	wm, err := c.dir.LoadWatermark(now)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{From: wm, To: wm}

	var (
		runErr error
		keep   []string
	)
	next := wm.Add(time.Hour)
	for !next.After(now) {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		rows, err := c.fetcher.FetchHour(ctx, next)
		if err != nil {
			c.logger.Warn("upstream fetch failed", zap.Time("hour", next), zap.Error(err))
			runErr = err
			break
		}

		records, aggErrs := aggregate.Hour(rows, next)
		for _, aerr := range aggErrs {
			c.logger.Warn("skipping upstream value", zap.Time("hour", next), zap.Error(aerr))
		}
		if len(records) == 0 {
			c.logger.Info("no data yet for hour", zap.Time("hour", next), zap.Int("rows", len(rows)))
			break
		}

		if c.dryRun {
			c.logger.Info("dry-run: skipping export", zap.Time("hour", next), zap.Int("records", len(records)))
			sum.Hours++
			sum.Records += len(records)
			next = next.Add(time.Hour)
			continue
		}

		path, err := c.dir.Write(next, records)
		if err != nil {
			runErr = err
			break
		}
		sum.Files = append(sum.Files, path)
		c.logger.Info("exported hour", zap.Time("hour", next), zap.Int("records", len(records)), zap.String("file", filepath.Base(path)))

		if err := c.importFile(ctx, path, &sum.Imported); err != nil {
			c.logger.Error("import failed, hour will be retried", zap.Time("hour", next), zap.Error(err))
			keep = append(keep, filepath.Base(path))
			runErr = err
			break
		}
		if err := c.dir.SaveWatermark(next); err != nil {
			runErr = err
			break
		}
		sum.To = next
		sum.Hours++
		sum.Records += len(records)
		next = next.Add(time.Hour)
	}
	if !next.After(now) {
		sum.StoppedAt = next
	}

	if c.dryRun {
		c.logger.Info("dry-run: watermark and store untouched", zap.Time("would_persist", next.Add(-time.Hour)))
		return sum, runErr
	}

	if sum.Hours == 0 {
		// Pins the first-run default so a later start does not skip a day.
		if err := c.dir.SaveWatermark(sum.To); err != nil {
			return sum, errors.Join(runErr, err)
		}
		return sum, runErr
	}

	keep = append(keep, export.FileName(sum.To))
	removed, err := c.dir.SweepStale(keep...)
	sum.Removed = removed
	if err != nil {
		c.logger.Warn("stale export sweep incomplete", zap.Error(err))
	}

	return sum, runErr
}

// importFile reconciles one export into the store and adds its counts to
// total. It fails when any record could not be written; invalid records are
// counted but not treated as failures of the file.
func (c *Collector) importFile(ctx context.Context, path string, total *reconcile.BatchResult) error {
	records, err := export.ReadRecords(path)
	if err != nil {
		return err
	}
	res := c.importer.ImportBatch(ctx, records)
	total.Inserted += res.Inserted
	total.Merged += res.Merged
	total.Failed += res.Failed
	total.Errors = append(total.Errors, res.Errors...)
	c.logger.Info("imported export",
		zap.String("file", filepath.Base(path)),
		zap.Int("inserted", res.Inserted),
		zap.Int("merged", res.Merged),
		zap.Int("failed", res.Failed),
	)

	var failed []error
	for _, err := range res.Errors {
		var verr *reading.ValidationError
		if !errors.As(err, &verr) {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("import %s: %d records not stored: %w", filepath.Base(path), len(failed), errors.Join(failed...))
	}
	return nil
}

// civil returns the wall clock of t in loc, carried in UTC so hour
// arithmetic follows the calendar rather than elapsed time.
func civil(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// String renders a one-line summary for logs.
func (s Summary) String() string {
	return fmt.Sprintf("watermark %s -> %s, %d hours, %d records, %d inserted, %d merged, %d failed",
		s.From.Format(export.WatermarkLayout), s.To.Format(export.WatermarkLayout),
		s.Hours, s.Records, s.Imported.Inserted, s.Imported.Merged, s.Imported.Failed)
}
