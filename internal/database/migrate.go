// Package database runs versioned SQL migrations with golang-migrate.
// GORM's AutoMigrate covers development and tests; production schema
// changes go through the numbered files in migrations/ so they can be
// reviewed, applied, and rolled back deliberately.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// MigrationConfig holds connection and source settings for the runner.
type MigrationConfig struct {
	// DatabaseURL is a PostgreSQL DSN or a SQLite file path.
	DatabaseURL string

	// DatabaseType selects the driver: "postgres" or "sqlite".
	DatabaseType string

	// MigrationsPath points at the directory of .up.sql/.down.sql
	// files. Empty resolves to migrations/ at the repository root.
	MigrationsPath string

	// Logger receives migration progress output.
	Logger *log.Logger
}

// MigrationRunner applies and rolls back schema migrations.
type MigrationRunner struct {
	config   *MigrationConfig
	migrate  *migrate.Migrate
	db       *sql.DB
	dbDriver string
}

// MigrationStatus reports the schema version the database is at.
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// NewMigrationRunner opens the database and binds it to the migration
// source directory. Callers must Close the runner.
func NewMigrationRunner(config *MigrationConfig) (*MigrationRunner, error) {
	if config == nil {
		return nil, errors.New("migration config is required")
	}

	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[MIGRATE] ", log.LstdFlags)
	}

	migrationsPath := config.MigrationsPath
	if migrationsPath == "" {
		_, filename, _, _ := runtime.Caller(0)
		baseDir := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
		migrationsPath = filepath.Join(baseDir, "migrations")
	}
	if !filepath.IsAbs(migrationsPath) {
		absPath, err := filepath.Abs(migrationsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
		}
		migrationsPath = absPath
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}
	config.MigrationsPath = migrationsPath

	runner := &MigrationRunner{
		config:   config,
		dbDriver: config.DatabaseType,
	}
	if err := runner.initialize(); err != nil {
		return nil, err
	}
	return runner, nil
}

func (r *MigrationRunner) initialize() error {
	var err error
	var driver database.Driver

	switch r.dbDriver {
	case "postgres", "postgresql":
		r.db, err = sql.Open("postgres", r.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
		}
		driver, err = postgres.WithInstance(r.db, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL driver: %w", err)
		}
		r.dbDriver = "postgres"

	case "sqlite", "sqlite3":
		r.db, err = sql.Open("sqlite", r.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open SQLite connection: %w", err)
		}
		driver, err = sqlite3.WithInstance(r.db, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("failed to create SQLite driver: %w", err)
		}
		r.dbDriver = "sqlite3"

	default:
		return fmt.Errorf("unsupported database type: %s", r.dbDriver)
	}

	sourceURL := fmt.Sprintf("file://%s", r.config.MigrationsPath)
	r.migrate, err = migrate.NewWithDatabaseInstance(sourceURL, r.dbDriver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func (r *MigrationRunner) Up() error {
	r.config.Logger.Println("Applying pending migrations...")

	err := r.migrate.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("Schema is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Printf("Migrations applied. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

// Down rolls back the most recent migration.
func (r *MigrationRunner) Down() error {
	r.config.Logger.Println("Rolling back last migration...")

	err := r.migrate.Steps(-1)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("Nothing to roll back")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Printf("Rollback complete. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

// DownAll rolls back every migration. Destroys all data.
func (r *MigrationRunner) DownAll() error {
	r.config.Logger.Println("Rolling back all migrations...")

	err := r.migrate.Down()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("Nothing to roll back")
			return nil
		}
		return fmt.Errorf("rollback all failed: %w", err)
	}

	r.config.Logger.Println("All migrations rolled back")
	return nil
}

// To migrates up or down to the given version.
func (r *MigrationRunner) To(version uint) error {
	r.config.Logger.Printf("Migrating to version %d...", version)

	err := r.migrate.Migrate(version)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Printf("Already at version %d", version)
			return nil
		}
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}

	current, dirty, _ := r.migrate.Version()
	r.config.Logger.Printf("Migration complete. Current version: %d (dirty: %v)", current, dirty)
	return nil
}

// Status returns the current schema version.
func (r *MigrationRunner) Status() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()

	status := MigrationStatus{
		Version: version,
		Dirty:   dirty,
		Applied: version > 0,
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			status.Version = 0
			status.Applied = false
			return status, nil
		}
		status.Error = err.Error()
		return status, err
	}
	return status, nil
}

// Force overwrites the recorded version without running migrations.
// Only for recovering a dirty state after a half-applied migration.
func (r *MigrationRunner) Force(version int) error {
	r.config.Logger.Printf("Forcing version to %d...", version)

	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}

	r.config.Logger.Printf("Version forced to %d", version)
	return nil
}

// Close releases the migration source and database connection.
func (r *MigrationRunner) Close() error {
	if r.migrate != nil {
		srcErr, dbErr := r.migrate.Close()
		if srcErr != nil {
			return fmt.Errorf("failed to close source: %w", srcErr)
		}
		if dbErr != nil {
			return fmt.Errorf("failed to close database: %w", dbErr)
		}
	}
	return nil
}
