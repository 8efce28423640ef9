package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Migration is one additive schema step. Steps may add tables or nullable
// columns with defaults; they never drop or rewrite existing data, so an
// upgrade can always run against a populated database.
type Migration struct {
	Version uint
	Name    string
	SQL     string
}

// MigrationManager applies an ordered set of migrations, tracking the
// current version in a schema_migrations table. Each backend supplies its
// own dialect-specific migration list.
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrationManager creates a manager for the given database and migration
// set, and ensures the tracking table exists.
func NewMigrationManager(db *sql.DB, migrations []Migration) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}

	mgr := &MigrationManager{db: db, migrations: migrations}
	if err := mgr.ensureSchemaTable(); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}
	return mgr, nil
}

func (mgr *MigrationManager) ensureSchemaTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order.
// Returns nil if already up-to-date.
func (mgr *MigrationManager) Up() error {
	currentVersion, err := mgr.Version()
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	pending := make([]Migration, 0, len(mgr.migrations))
	for _, m := range mgr.migrations {
		if m.Version > currentVersion {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if _, err := mgr.db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.Version, m.Name, err)
		}
		// Numeric literal rather than a bind parameter: the manager is
		// shared between backends with different placeholder dialects.
		if _, err := mgr.db.Exec(fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES (%d)", m.Version)); err != nil {
			return fmt.Errorf("migrations: failed to record version %d: %w", m.Version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version() (uint, error) {
	var version uint
	err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}
