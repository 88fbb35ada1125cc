// ABOUTME: Ordered, named, forward-only schema migrator
// ABOUTME: Applies each pending migration in its own transaction and records it in schema_migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const sqlCreateMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		applied_at TEXT NOT NULL
	)`

// Migration is one named schema transformation.
type Migration struct {
	Name  string
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// Migrator holds migrations in declaration order.
type Migrator struct {
	migrations []Migration
	names      map[string]struct{}
	logger     *slog.Logger
}

// NewMigrator creates an empty migrator. Pass nil logger for default.
func NewMigrator(logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		names:  make(map[string]struct{}),
		logger: logger.With("component", "migrator"),
	}
}

// Register appends a migration. Names must be unique.
func (m *Migrator) Register(name string, apply func(ctx context.Context, tx *sql.Tx) error) error {
	if name == "" {
		return fmt.Errorf("migration name is required")
	}
	if apply == nil {
		return fmt.Errorf("migration %q has no apply function", name)
	}
	if _, dup := m.names[name]; dup {
		return fmt.Errorf("migration %q already registered", name)
	}
	m.names[name] = struct{}{}
	m.migrations = append(m.migrations, Migration{Name: name, Apply: apply})
	return nil
}

// Names returns the registered migration names in order.
func (m *Migrator) Names() []string {
	names := make([]string, len(m.migrations))
	for i, mig := range m.migrations {
		names[i] = mig.Name
	}
	return names
}

// Migrate applies every migration not yet recorded, in declaration order.
// Each migration and its bookkeeping row commit together; the first failure
// stops the run and is returned wrapped in ErrMigration. It returns the names
// applied by this call.
func (m *Migrator) Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	if _, err := db.ExecContext(ctx, sqlCreateMigrationsTable); err != nil {
		return nil, fmt.Errorf("%w: creating schema_migrations: %w", ErrMigration, err)
	}

	done, err := m.Applied(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMigration, err)
	}
	applied := make(map[string]struct{}, len(done))
	for _, name := range done {
		applied[name] = struct{}{}
		if _, known := m.names[name]; !known {
			// Written by a newer build; nothing here can undo it.
			m.logger.Warn("database has unknown migration", "name", name)
		}
	}

	var ran []string
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Name]; ok {
			continue
		}
		if err := m.apply(ctx, db, mig); err != nil {
			return ran, fmt.Errorf("%w: %s: %w", ErrMigration, mig.Name, err)
		}
		m.logger.Info("applied migration", "name", mig.Name)
		ran = append(ran, mig.Name)
	}

	return ran, nil
}

func (m *Migrator) apply(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := mig.Apply(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		mig.Name, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Applied lists recorded migration names in the order they ran.
func (m *Migrator) Applied(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migration rows: %w", err)
	}
	return names, nil
}

// execAll runs each statement in order inside tx.
func execAll(ctx context.Context, tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
