package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"

	"go.uber.org/zap"
)

// Migration files are named NNNN_name.sql and applied in version order, once.
//
//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var migrationFS embed.FS

const migrationsTable = "schema_migrations"

var migrationFileRe = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

type migration struct {
	version string
	name    string
	body    string
}

// migrationTarget is the dialect-specific half of the runner.
type migrationTarget interface {
	ensureMigrationsTable(ctx context.Context) error
	appliedVersions(ctx context.Context) (map[string]bool, error)
	// apply runs the body and records the version in one transaction.
	apply(ctx context.Context, m migration) error
}

func runMigrations(ctx context.Context, dialect string, target migrationTarget, logger *zap.Logger) error {
	if err := target.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := target.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	pending, err := pendingMigrations(dialect, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := target.apply(ctx, m); err != nil {
			return fmt.Errorf("apply %s_%s.sql: %w", m.version, m.name, err)
		}
		logger.Info("migration applied",
			zap.String("dialect", dialect),
			zap.String("version", m.version),
			zap.String("name", m.name),
		)
	}
	return nil
}

func pendingMigrations(dialect string, applied map[string]bool) ([]migration, error) {
	dir := "sql/" + dialect
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := migrationFileRe.FindStringSubmatch(e.Name())
		if match == nil || applied[match[1]] {
			continue
		}
		body, err := fs.ReadFile(migrationFS, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		pending = append(pending, migration{version: match[1], name: match[2], body: string(body)})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}
