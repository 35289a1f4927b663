// Package export owns the collector's working directory: one JSON file per
// processed hour plus the watermark file recording the last hour done.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/models"
)

const (
	WatermarkFile   = "last_processed.txt"
	WatermarkLayout = "2006-01-02T15:04:05"

	filePrefix = "achd_update_"
)

// ErrWatermarkRegress is returned when a save would move the watermark back.
var ErrWatermarkRegress = errors.New("watermark would regress")

// Dir is an export directory. Times passed in and out are civil times
// carried in time.UTC.
type Dir struct {
	path string
}

// Open creates the directory if needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// FileName is the export file for a civil hour, e.g.
// achd_update_date_2025-10-01_hour_7.json.
func FileName(hour time.Time) string {
	return fmt.Sprintf("%sdate_%s_hour_%d.json", filePrefix, hour.Format("2006-01-02"), hour.Hour())
}

// Write stores the hour's records as a JSON array and returns the file path.
// The file appears atomically.
func (d *Dir) Write(hour time.Time, records []models.ExportRecord) (string, error) {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	target := filepath.Join(d.path, FileName(hour))
	if err := writeAtomic(target, data); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return target, nil
}

// ReadRecords loads an export file. Files with a trailing comma before the
// closing bracket are accepted.
func ReadRecords(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	data = bytes.TrimSpace(data)
	if bytes.HasSuffix(data, []byte("]")) {
		body := bytes.TrimRight(data[:len(data)-1], " \t\r\n")
		if bytes.HasSuffix(body, []byte(",")) {
			data = append(body[:len(body)-1:len(body)-1], ']')
		}
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode export %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// LoadWatermark returns the last processed hour. Without a watermark file
// it returns midnight of the day of now.
func (d *Dir) LoadWatermark(now time.Time) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(d.path, WatermarkFile))
	if errors.Is(err, os.ErrNotExist) {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	wm, err := time.Parse(WatermarkLayout+".999999999", strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark: %w", err)
	}
	return wm, nil
}

// SaveWatermark persists wm unless the stored value is later.
func (d *Dir) SaveWatermark(wm time.Time) error {
	path := filepath.Join(d.path, WatermarkFile)
	if data, err := os.ReadFile(path); err == nil {
		prev, perr := time.Parse(WatermarkLayout+".999999999", strings.TrimSpace(string(data)))
		if perr == nil && wm.Before(prev) {
			return fmt.Errorf("%w: %s < %s", ErrWatermarkRegress, wm.Format(WatermarkLayout), prev.Format(WatermarkLayout))
		}
	}
	if err := writeAtomic(path, []byte(wm.Format(WatermarkLayout))); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

// SweepStale removes every export file except those named in keep (base
// names) and returns the names removed. Other files are left alone.
func (d *Dir) SweepStale(keep ...string) ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("list export dir: %w", err)
	}
	var (
		removed []string
		errs    []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || slices.Contains(keep, name) || name == WatermarkFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(d.path, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
