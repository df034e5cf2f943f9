// Package migrations applies versioned schema changes to a SQLite database.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Manager applies a set of migrations in version order
type Manager struct {
	migrations []Migration
}

// NewManager creates a manager with the given migrations registered
func NewManager(migrations ...Migration) *Manager {
	return &Manager{migrations: slices.Clone(migrations)}
}

// Register adds a migration
func (m *Manager) Register(migration Migration) {
	m.migrations = append(m.migrations, migration)
}

// sorted returns the migrations by ascending version, rejecting duplicates
func (m *Manager) sorted() ([]Migration, error) {
	out := slices.SortedFunc(slices.Values(m.migrations), func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].Version)
		}
	}
	return out, nil
}

// Apply runs every migration newer than the recorded version. Each runs in
// its own transaction together with its schema_version row, so a failure
// leaves the database at the last good version.
func (m *Manager) Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}

	current, err := Version(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	pending, err := m.sorted()
	if err != nil {
		return err
	}

	for _, mig := range pending {
		if mig.Version <= current {
			continue
		}
		err := inTx(ctx, db, mig.Up,
			"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
			mig.Version, mig.Description, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Description, err)
		}
	}
	return nil
}

// Rollback reverts the most recently applied migration
func (m *Manager) Rollback(ctx context.Context, db *sql.DB) error {
	current, err := Version(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == current })
	if i < 0 {
		return fmt.Errorf("migration %d not found", current)
	}
	if err := inTx(ctx, db, m.migrations[i].Down, "DELETE FROM schema_version WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to rollback migration %d: %w", current, err)
	}
	return nil
}

// Version returns the highest applied migration version, or 0
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

// inTx runs a schema statement and its bookkeeping statement atomically
func inTx(ctx context.Context, db *sql.DB, schema, record string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("schema statement: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("schema_version: %w", err)
	}
	return tx.Commit()
}
