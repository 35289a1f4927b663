package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/geo"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

// SQLite stores readings in a SQLite database through database/sql.
type SQLite struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewSQLite opens a SQLite store. path is a file path, a file: URI or :memory:.
func NewSQLite(path string, opts ...Option) (*SQLite, error) {
	dsn, err := buildSQLiteDSN(path)
	if err != nil {
		return nil, wrap("open", err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	// One connection: SQLite has a single writer, and :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	return NewSQLiteFromDB(db, opts...), nil
}

// NewSQLiteFromDB wraps an already opened database handle.
func NewSQLiteFromDB(db *sql.DB, opts ...Option) *SQLite {
	o := buildOptions(opts)
	return &SQLite{db: db, now: o.now, logger: o.logger}
}

func buildSQLiteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty sqlite path")
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		return path, nil
	}

	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Close closes the database handle.
func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

const sqliteUpsertSQL = `
    INSERT INTO air_quality_readings (
        id, t, la, lo, lad, lod, bs,
        pm1, pm25, pm10, p0p3, p0p5, p1, p2p5, p5, p10,
        v, n, c, tmp, rh, src, created_at
    ) VALUES (
        ?1, ?2,
        COALESCE(?3, -1), COALESCE(?4, -1),
        ?5, ?6,
        COALESCE(?7, -1),
        COALESCE(?8, -1), COALESCE(?9, -1), COALESCE(?10, -1),
        COALESCE(?11, -1), COALESCE(?12, -1), COALESCE(?13, -1),
        COALESCE(?14, -1), COALESCE(?15, -1), COALESCE(?16, -1),
        COALESCE(?17, -1), COALESCE(?18, -1), COALESCE(?19, -1),
        COALESCE(?20, -1), COALESCE(?21, -1),
        COALESCE(?22, -1), ?23
    )
    ON CONFLICT (id) DO UPDATE
    SET t = COALESCE(?2, t),
        la = COALESCE(?3, la),
        lo = COALESCE(?4, lo),
        lad = COALESCE(?5, lad),
        lod = COALESCE(?6, lod),
        bs = COALESCE(?7, bs),
        pm1 = COALESCE(?8, pm1),
        pm25 = COALESCE(?9, pm25),
        pm10 = COALESCE(?10, pm10),
        p0p3 = COALESCE(?11, p0p3),
        p0p5 = COALESCE(?12, p0p5),
        p1 = COALESCE(?13, p1),
        p2p5 = COALESCE(?14, p2p5),
        p5 = COALESCE(?15, p5),
        p10 = COALESCE(?16, p10),
        v = COALESCE(?17, v),
        n = COALESCE(?18, n),
        c = COALESCE(?19, c),
        tmp = COALESCE(?20, tmp),
        rh = COALESCE(?21, rh),
        src = COALESCE(?22, src),
        created_at = ?23
`

// Upsert inserts or merges one row in a single statement.
func (s *SQLite) Upsert(ctx context.Context, id int64, f reading.Fields) error {
	args := make([]any, 0, 23)
	args = append(args, id)
	args = append(args, fieldArgs(f)...)
	args = append(args, s.now().UTC().UnixNano())

	_, err := s.db.ExecContext(ctx, sqliteUpsertSQL, args...)
	return wrap("upsert", err)
}

// Get returns the row with this id, or nil.
func (s *SQLite) Get(ctx context.Context, id int64) (*reading.Reading, error) {
	rows, err := s.query(ctx, "get", `SELECT `+readingColumns+` FROM air_quality_readings WHERE id = ?`, id)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

const sqliteNearbySQL = `
    SELECT ` + readingColumns + `
    FROM air_quality_readings
    WHERE t >= ?
      AND la <> -1 AND lo <> -1
      AND la BETWEEN ? AND ?
      AND lo BETWEEN ? AND ?
    ORDER BY id
`

// FindNearby returns the closest recent row within radius meters, or nil.
func (s *SQLite) FindNearby(ctx context.Context, lat, lon, radius float64, since int64) (*reading.Reading, error) {
	minLat, maxLat, minLon, maxLon := geo.BoundingBox(lat, lon, radius)
	candidates, err := s.query(ctx, "find nearby", sqliteNearbySQL, since, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return nil, err
	}
	return nearest(candidates, lat, lon, radius), nil
}

const sqliteLatestSQL = `
    SELECT ` + readingColumns + `
    FROM air_quality_readings
    WHERE la <> -1 AND lo <> -1
    ORDER BY created_at DESC, id DESC
`

// QueryLatest returns located rows, most recently written first.
func (s *SQLite) QueryLatest(ctx context.Context, limit int) ([]reading.Reading, error) {
	if limit > 0 {
		return s.query(ctx, "query latest", sqliteLatestSQL+" LIMIT ?", limit)
	}
	return s.query(ctx, "query latest", sqliteLatestSQL)
}

// DeleteOlderThan removes every row with t < cutoff in a single transaction.
func (s *SQLite) DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("delete older than", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM air_quality_readings WHERE t < ?`, cutoff)
	if err != nil {
		return 0, wrap("delete older than", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("delete older than", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("delete older than", err)
	}
	return n, nil
}

// Count returns the number of stored rows.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM air_quality_readings`).Scan(&n)
	return n, wrap("count", err)
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	return wrap("migrate", runMigrations(ctx, "sqlite", s, s.logger))
}

func (s *SQLite) query(ctx context.Context, op, query string, args ...any) ([]reading.Reading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]reading.Reading, 0)
	for rows.Next() {
		var (
			r         reading.Reading
			createdAt int64
		)
		if err := rows.Scan(append(scanDest(&r), &createdAt)...); err != nil {
			return nil, wrap(op, err)
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, r)
	}
	return out, wrap(op, rows.Err())
}

func (s *SQLite) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
            version    TEXT PRIMARY KEY,
            name       TEXT NOT NULL,
            applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
        )`)
	return err
}

func (s *SQLite) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM `+migrationsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *SQLite) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+migrationsTable+` (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}
