package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/geo"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

// Postgres wraps a pgx pool over the air_quality_readings table.
type Postgres struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *zap.Logger
}

// NewPostgres creates a Postgres store backed by a pgx pool. The pool connects
// lazily; use Ping or WaitReady to check reachability.
func NewPostgres(ctx context.Context, databaseURL string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, wrap("open", err)
	}
	o := buildOptions(opts)
	return &Postgres{pool: pool, now: o.now, logger: o.logger}, nil
}

// Close releases the pool resources.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that a connection can be acquired and used.
func (s *Postgres) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

const pgUpsertSQL = `
    INSERT INTO air_quality_readings AS r (
        id, t, la, lo, lad, lod, bs,
        pm1, pm25, pm10, p0p3, p0p5, p1, p2p5, p5, p10,
        v, n, c, tmp, rh, src, created_at
    ) VALUES (
        $1, $2::bigint,
        COALESCE($3::double precision, -1), COALESCE($4::double precision, -1),
        $5::varchar, $6::varchar,
        COALESCE($7::double precision, -1),
        COALESCE($8::double precision, -1), COALESCE($9::double precision, -1), COALESCE($10::double precision, -1),
        COALESCE($11::double precision, -1), COALESCE($12::double precision, -1), COALESCE($13::double precision, -1),
        COALESCE($14::double precision, -1), COALESCE($15::double precision, -1), COALESCE($16::double precision, -1),
        COALESCE($17::double precision, -1), COALESCE($18::double precision, -1), COALESCE($19::double precision, -1),
        COALESCE($20::double precision, -1), COALESCE($21::double precision, -1),
        COALESCE($22::integer, -1), $23
    )
    ON CONFLICT (id) DO UPDATE
    SET t = COALESCE($2::bigint, r.t),
        la = COALESCE($3::double precision, r.la),
        lo = COALESCE($4::double precision, r.lo),
        lad = COALESCE($5::varchar, r.lad),
        lod = COALESCE($6::varchar, r.lod),
        bs = COALESCE($7::double precision, r.bs),
        pm1 = COALESCE($8::double precision, r.pm1),
        pm25 = COALESCE($9::double precision, r.pm25),
        pm10 = COALESCE($10::double precision, r.pm10),
        p0p3 = COALESCE($11::double precision, r.p0p3),
        p0p5 = COALESCE($12::double precision, r.p0p5),
        p1 = COALESCE($13::double precision, r.p1),
        p2p5 = COALESCE($14::double precision, r.p2p5),
        p5 = COALESCE($15::double precision, r.p5),
        p10 = COALESCE($16::double precision, r.p10),
        v = COALESCE($17::double precision, r.v),
        n = COALESCE($18::double precision, r.n),
        c = COALESCE($19::double precision, r.c),
        tmp = COALESCE($20::double precision, r.tmp),
        rh = COALESCE($21::double precision, r.rh),
        src = COALESCE($22::integer, r.src),
        created_at = $23
`

// Upsert inserts or merges one row. The statement takes the row lock, so
// concurrent upserts of the same id serialize.
func (s *Postgres) Upsert(ctx context.Context, id int64, f reading.Fields) error {
	args := make([]any, 0, 23)
	args = append(args, id)
	args = append(args, fieldArgs(f)...)
	args = append(args, s.now().UTC())

	_, err := s.pool.Exec(ctx, pgUpsertSQL, args...)
	return wrap("upsert", err)
}

const pgGetSQL = `
    SELECT ` + readingColumns + `
    FROM air_quality_readings
    WHERE id = $1
`

// Get returns the row with this id, or nil.
func (s *Postgres) Get(ctx context.Context, id int64) (*reading.Reading, error) {
	var r reading.Reading
	err := s.pool.QueryRow(ctx, pgGetSQL, id).Scan(append(scanDest(&r), &r.CreatedAt)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return &r, nil
}

const pgNearbySQL = `
    SELECT ` + readingColumns + `
    FROM air_quality_readings
    WHERE t >= $1
      AND la <> -1 AND lo <> -1
      AND la BETWEEN $2 AND $3
      AND lo BETWEEN $4 AND $5
    ORDER BY id
`

// FindNearby returns the closest recent row within radius meters, or nil.
func (s *Postgres) FindNearby(ctx context.Context, lat, lon, radius float64, since int64) (*reading.Reading, error) {
	minLat, maxLat, minLon, maxLon := geo.BoundingBox(lat, lon, radius)
	candidates, err := s.query(ctx, "find nearby", pgNearbySQL, since, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return nil, err
	}
	return nearest(candidates, lat, lon, radius), nil
}

const pgLatestSQL = `
    SELECT ` + readingColumns + `
    FROM air_quality_readings
    WHERE la <> -1 AND lo <> -1
    ORDER BY created_at DESC, id DESC
`

// QueryLatest returns located rows, most recently written first.
func (s *Postgres) QueryLatest(ctx context.Context, limit int) ([]reading.Reading, error) {
	if limit > 0 {
		return s.query(ctx, "query latest", pgLatestSQL+" LIMIT $1", limit)
	}
	return s.query(ctx, "query latest", pgLatestSQL)
}

// DeleteOlderThan removes every row with t < cutoff in a single transaction.
func (s *Postgres) DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("delete older than", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM air_quality_readings WHERE t < $1`, cutoff)
	if err != nil {
		return 0, wrap("delete older than", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("delete older than", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored rows.
func (s *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM air_quality_readings`).Scan(&n)
	return n, wrap("count", err)
}

// Migrate applies the embedded Postgres migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	return wrap("migrate", runMigrations(ctx, "postgres", s, s.logger))
}

func (s *Postgres) query(ctx context.Context, op, sql string, args ...any) ([]reading.Reading, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]reading.Reading, 0)
	for rows.Next() {
		var r reading.Reading
		if err := rows.Scan(append(scanDest(&r), &r.CreatedAt)...); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, r)
	}
	return out, wrap(op, rows.Err())
}

func (s *Postgres) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
            version    TEXT PRIMARY KEY,
            name       TEXT NOT NULL,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`)
	return err
}

func (s *Postgres) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM `+migrationsTable)
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

func (s *Postgres) apply(ctx context.Context, m migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// No arguments, so pgx sends the body over the simple protocol and
	// multi-statement files work.
	if _, err := tx.Exec(ctx, m.body); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+migrationsTable+` (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
