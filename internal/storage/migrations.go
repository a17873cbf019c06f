package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Up          string    `json:"up"`
	Down        string    `json:"down"`
	AppliedAt   time.Time `json:"applied_at"`
}

// MigrationManager handles the migrations of one component (the offline
// catalog, the content cache) inside a database file
type MigrationManager struct {
	db        *DB
	component string
}

// MigrationRunner provides migration execution capabilities
type MigrationRunner interface {
	Initialize(ctx context.Context) error
	GetCurrentVersion(ctx context.Context) (int, error)
	ApplyMigration(ctx context.Context, migration Migration) error
	RollbackMigration(ctx context.Context, migration Migration) error
	ListAppliedMigrations(ctx context.Context) ([]Migration, error)
	MigrateToVersion(ctx context.Context, migrations []Migration, targetVersion int) error
	Migrate(ctx context.Context, migrations []Migration) error
}

// Ensure MigrationManager implements MigrationRunner
var _ MigrationRunner = (*MigrationManager)(nil)

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *DB, component string) *MigrationManager {
	return &MigrationManager{
		db:        db,
		component: component,
	}
}

// Initialize sets up the migration tracking table
func (mm *MigrationManager) Initialize(ctx context.Context) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		component TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (component, version)
	)`

	err := mm.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, createSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

// HasMigrationTable checks if the migration tracking table exists
func (mm *MigrationManager) HasMigrationTable(ctx context.Context) (bool, error) {
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`
	var count int
	err := mm.db.QueryRowContext(ctx, query).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration table: %w", err)
	}
	return count > 0, nil
}

// GetCurrentVersion returns the current schema version of the component
func (mm *MigrationManager) GetCurrentVersion(ctx context.Context) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE component = ?`
	var version int
	err := mm.db.QueryRowContext(ctx, query, mm.component).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// IsMigrationApplied checks if a specific migration version has been applied
func (mm *MigrationManager) IsMigrationApplied(ctx context.Context, version int) (bool, error) {
	query := `SELECT COUNT(*) FROM schema_migrations WHERE component = ? AND version = ?`
	var count int
	err := mm.db.QueryRowContext(ctx, query, mm.component, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return count > 0, nil
}

// ApplyMigration applies a single migration
func (mm *MigrationManager) ApplyMigration(ctx context.Context, migration Migration) error {
	if err := validateMigration(migration); err != nil {
		return err
	}

	// Check if already applied
	applied, err := mm.IsMigrationApplied(ctx, migration.Version)
	if err != nil {
		return err
	}
	if applied {
		return fmt.Errorf("migration version %d already applied", migration.Version)
	}

	return mm.db.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to execute migration %d (%s): %w", migration.Version, migration.Name, err)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (component, version, name, applied_at) VALUES (?, ?, ?, ?)`,
			mm.component, migration.Version, migration.Name, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		return nil
	})
}

// RollbackMigration runs the Down script of an applied migration and
// removes its record
func (mm *MigrationManager) RollbackMigration(ctx context.Context, migration Migration) error {
	applied, err := mm.IsMigrationApplied(ctx, migration.Version)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("migration version %d not applied", migration.Version)
	}

	return mm.db.Write(ctx, func(tx *sql.Tx) error {
		if migration.Down != "" {
			if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
				return fmt.Errorf("failed to roll back migration %d (%s): %w", migration.Version, migration.Name, err)
			}
		}

		_, err := tx.ExecContext(ctx,
			`DELETE FROM schema_migrations WHERE component = ? AND version = ?`,
			mm.component, migration.Version)
		if err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}

// ListAppliedMigrations returns all applied migrations of the component
func (mm *MigrationManager) ListAppliedMigrations(ctx context.Context) ([]Migration, error) {
	query := `SELECT version, name, applied_at FROM schema_migrations WHERE component = ? ORDER BY version`
	rows, err := mm.db.QueryContext(ctx, query, mm.component)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var migrations []Migration
	for rows.Next() {
		var migration Migration
		err := rows.Scan(&migration.Version, &migration.Name, &migration.AppliedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, migration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migrations: %w", err)
	}

	return migrations, nil
}

// MigrateToVersion migrates the component to a specific version, applying
// or rolling back as needed. Versions already applied are skipped.
func (mm *MigrationManager) MigrateToVersion(ctx context.Context, migrations []Migration, targetVersion int) error {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	currentVersion, err := mm.GetCurrentVersion(ctx)
	if err != nil {
		return err
	}

	if targetVersion >= currentVersion {
		for _, migration := range sorted {
			if migration.Version > targetVersion {
				break
			}
			applied, err := mm.IsMigrationApplied(ctx, migration.Version)
			if err != nil {
				return err
			}
			if applied {
				continue
			}
			if err := mm.ApplyMigration(ctx, migration); err != nil {
				return err
			}
		}
		return nil
	}

	// Rollback migrations down to target version
	for i := len(sorted) - 1; i >= 0; i-- {
		migration := sorted[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := mm.RollbackMigration(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}

// Migrate initializes tracking and applies every pending migration. Running
// it again against an up-to-date database is a no-op.
func (mm *MigrationManager) Migrate(ctx context.Context, migrations []Migration) error {
	if err := mm.Initialize(ctx); err != nil {
		return err
	}

	latest := 0
	for _, migration := range migrations {
		if migration.Version > latest {
			latest = migration.Version
		}
	}

	current, err := mm.GetCurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current > latest {
		return fmt.Errorf("%s schema version %d is newer than supported version %d", mm.component, current, latest)
	}

	return mm.MigrateToVersion(ctx, migrations, latest)
}

// validateMigration checks the fields a migration needs to be applied
func validateMigration(migration Migration) error {
	if migration.Version <= 0 {
		return fmt.Errorf("migration version must be positive, got %d", migration.Version)
	}
	if migration.Name == "" {
		return fmt.Errorf("migration name cannot be empty")
	}
	if migration.Up == "" {
		return fmt.Errorf("migration Up script cannot be empty")
	}
	return nil
}
