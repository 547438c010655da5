package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one versioned schema script, named NNN_description.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies schema scripts in version order, each exactly once
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, logger: logger}
}

// RunEmbedded applies the migrations compiled into the binary
func (m *Migrator) RunEmbedded(ctx context.Context) (int, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return m.Run(ctx, sub)
}

// RunDir applies the migrations found in dir
func (m *Migrator) RunDir(ctx context.Context, dir string) (int, error) {
	return m.Run(ctx, os.DirFS(dir))
}

// Run applies every pending migration of fsys and returns how many were applied
func (m *Migrator) Run(ctx context.Context, fsys fs.FS) (int, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.Version(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return applied, fmt.Errorf("failed to apply migration %03d_%s: %w", mig.Version, mig.Name, err)
		}
		applied++
	}

	m.logger.Info("Schema up to date",
		zap.Int("applied", applied),
		zap.Int("total", len(migrations)))
	return applied, nil
}

// Version returns the highest applied migration, 0 on a fresh store
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	m.logger.Info("Applying migration",
		zap.Int("version", mig.Version),
		zap.String("name", mig.Name))

	return m.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
			mig.Version, mig.Name)
		return err
	})
}

// LoadMigrations reads the .sql files of fsys sorted by version.
// Other files are ignored; duplicate versions are rejected.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	var migrations []Migration
	seen := make(map[int]string)

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".sql" {
			return nil
		}

		version, name, err := parseMigrationName(path.Base(p))
		if err != nil {
			return err
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, p)
		}
		seen[version] = p

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", p, err)
		}

		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// 001_fiscal_receipts.sql -> (1, "fiscal_receipts")
func parseMigrationName(file string) (int, string, error) {
	prefix, name, _ := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid migration filename %q: want NNN_name.sql", file)
	}
	return version, name, nil
}
