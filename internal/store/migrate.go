package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = "schema_migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one numbered schema change, read from NNN_name.up.sql and
// NNN_name.down.sql.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// MigrationStatus describes whether a migration has been applied.
type MigrationStatus struct {
	Migration
	Applied   bool
	Dirty     bool
	AppliedAt time.Time
}

// Migrator applies the embedded migrations to a database.
type Migrator struct {
	pool       *pgxpool.Pool
	migrations []Migration
	logger     *slog.Logger
}

func NewMigrator(pool *pgxpool.Pool, logger *slog.Logger) (*Migrator, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(sub)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{pool: pool, migrations: migrations, logger: logger}, nil
}

// LoadMigrations reads the migrations in the root of fsys, ordered by
// version. Versions without an up file are skipped.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		isUp := strings.HasSuffix(rest, ".up.sql")
		isDown := strings.HasSuffix(rest, ".down.sql")
		if !isUp && !isDown {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{
				Version: version,
				Name:    strings.TrimSuffix(strings.TrimSuffix(rest, ".up.sql"), ".down.sql"),
			}
			byVersion[version] = m
		}
		if isUp {
			m.Up = string(content)
		} else {
			m.Down = string(content)
		}
	}

	var migrations []Migration
	for _, m := range byVersion {
		if m.Up != "" {
			migrations = append(migrations, *m)
		}
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dirty BOOLEAN NOT NULL DEFAULT FALSE
		)
	`, migrationsTable))
	if err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at, dirty FROM %s`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]MigrationStatus)
	for rows.Next() {
		var s MigrationStatus
		if err := rows.Scan(&s.Version, &s.AppliedAt, &s.Dirty); err != nil {
			return nil, err
		}
		s.Applied = true
		applied[s.Version] = s
	}
	return applied, rows.Err()
}

// Up applies every pending migration and returns how many ran. Each
// migration runs in its own transaction and is marked dirty until it
// commits.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return count, err
		}
		m.logger.Info("applied migration",
			slog.Int("version", mig.Version),
			slog.String("name", mig.Name),
		)
		count++
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, TRUE)`, migrationsTable), mig.Version); err != nil {
		return fmt.Errorf("failed to mark migration %d as dirty: %w", mig.Version, err)
	}
	if _, err := tx.Exec(ctx, mig.Up); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET dirty = FALSE, applied_at = NOW() WHERE version = $1`, migrationsTable), mig.Version); err != nil {
		return fmt.Errorf("failed to mark migration %d as clean: %w", mig.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
	}
	return nil
}

// Down rolls back up to steps applied migrations, newest first.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := len(m.migrations) - 1; i >= 0 && count < steps; i-- {
		mig := m.migrations[i]
		if _, ok := applied[mig.Version]; !ok {
			continue
		}
		if mig.Down == "" {
			return count, fmt.Errorf("migration %d has no down file", mig.Version)
		}
		if err := m.revert(ctx, mig); err != nil {
			return count, err
		}
		m.logger.Info("rolled back migration",
			slog.Int("version", mig.Version),
			slog.String("name", mig.Name),
		)
		count++
	}
	return count, nil
}

func (m *Migrator) revert(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.Down); err != nil {
		return fmt.Errorf("failed to execute rollback for migration %d: %w", mig.Version, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable), mig.Version); err != nil {
		return fmt.Errorf("failed to remove migration %d: %w", mig.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rollback for migration %d: %w", mig.Version, err)
	}
	return nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		s := applied[mig.Version]
		s.Migration = mig
		out = append(out, s)
	}
	return out, nil
}

// Force clears the dirty state by recording versions 1..version as applied.
func (m *Migrator) Force(ctx context.Context, version int) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, migrationsTable)); err != nil {
		return fmt.Errorf("failed to clear migrations table: %w", err)
	}
	for v := 1; v <= version; v++ {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, FALSE)`, migrationsTable), v); err != nil {
			return fmt.Errorf("failed to insert version %d: %w", v, err)
		}
	}
	return tx.Commit(ctx)
}
