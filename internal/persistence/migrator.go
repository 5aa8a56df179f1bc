package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Migrator runs SQL migration files in order. File names follow the
// golang-migrate convention: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db    *sql.DB
	files fs.FS
	log   zerolog.Logger
}

func NewMigrator(db *sql.DB, files fs.FS, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, log: log}
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	files, err := Pending(m.files, applied)
	if err != nil {
		return 0, err
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.files, f)
		if err != nil {
			return 0, fmt.Errorf("read migration %s: %w", f, err)
		}
		if err := m.apply(ctx, string(content),
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			extractVersion(f), f,
		); err != nil {
			return 0, fmt.Errorf("migration %s: %w", f, err)
		}
		m.log.Info().Str("file", f).Msg("applied migration")
	}

	return len(files), nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := fs.ReadFile(m.files, downFile)
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	if err := m.apply(ctx, string(content),
		`DELETE FROM public.schema_migrations WHERE version = $1 AND filename = $2`,
		version, filename,
	); err != nil {
		return fmt.Errorf("down migration %s: %w", downFile, err)
	}

	m.log.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Status lists migration files with whether each has been applied.
func (m *Migrator) Status(ctx context.Context) (map[string]bool, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := listMigrationFiles(m.files, ".up.sql")
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f] = applied[extractVersion(f)]
	}
	return out, nil
}

// apply runs a migration body and its bookkeeping statement in one transaction.
func (m *Migrator) apply(ctx context.Context, body, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Pending returns the up-migrations in files whose version is not applied,
// in version order.
func Pending(files fs.FS, applied map[string]bool) ([]string, error) {
	all, err := listMigrationFiles(files, ".up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var out []string
	for _, f := range all {
		if !applied[extractVersion(f)] {
			out = append(out, f)
		}
	}
	return out, nil
}

func listMigrationFiles(files fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			out = append(out, e.Name())
		}
	}

	sort.Strings(out)
	return out, nil
}

// extractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_event_log.up.sql" gives "000001".
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	return parts[0]
}
