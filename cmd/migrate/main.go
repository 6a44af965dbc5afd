// Database migration CLI for Agentry.
//
// Usage:
//
//	go run ./cmd/migrate up           # Apply all pending migrations
//	go run ./cmd/migrate down         # Roll back the last migration
//	go run ./cmd/migrate down-all     # Roll back everything
//	go run ./cmd/migrate version      # Show current schema version
//	go run ./cmd/migrate to N         # Migrate to version N
//	go run ./cmd/migrate force N      # Force version to N (fix dirty state)
//	go run ./cmd/migrate create NAME  # Create a new migration pair
package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"agentry/internal/database"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	dbURL, dbType := databaseConfig()
	migrationsPath := migrationsPath()

	log.Printf("Database type: %s", dbType)
	log.Printf("Migrations path: %s", migrationsPath)

	config := &database.MigrationConfig{
		DatabaseURL:    dbURL,
		DatabaseType:   dbType,
		MigrationsPath: migrationsPath,
	}

	switch command {
	case "up":
		withRunner(config, func(r *database.MigrationRunner) error { return r.Up() })
	case "down":
		withRunner(config, func(r *database.MigrationRunner) error { return r.Down() })
	case "down-all":
		log.Println("WARNING: this rolls back ALL migrations and deletes all data")
		log.Println("Press Ctrl+C within 5 seconds to cancel...")
		time.Sleep(5 * time.Second)
		withRunner(config, func(r *database.MigrationRunner) error { return r.DownAll() })
	case "version":
		showVersion(config)
	case "to":
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate to <version>")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			log.Fatalf("Invalid version number: %s", os.Args[2])
		}
		withRunner(config, func(r *database.MigrationRunner) error { return r.To(uint(version)) })
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate force <version>")
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("Invalid version number: %s", os.Args[2])
		}
		withRunner(config, func(r *database.MigrationRunner) error { return r.Force(version) })
	case "create":
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate create <migration_name>")
		}
		createMigration(migrationsPath, os.Args[2])
	case "help":
		printUsage()
	default:
		log.Printf("Unknown command: %s", command)
		printUsage()
		os.Exit(1)
	}
}

// withRunner opens a runner, executes fn, and exits non-zero on error.
func withRunner(config *database.MigrationConfig, fn func(*database.MigrationRunner) error) {
	runner, err := database.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	if err := fn(runner); err != nil {
		log.Fatalf("Migration command failed: %v", err)
	}
}

func showVersion(config *database.MigrationConfig) {
	runner, err := database.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	status, err := runner.Status()
	if err != nil {
		log.Fatalf("Failed to get version: %v", err)
	}

	fmt.Println("Current migration status:")
	fmt.Printf("  Version: %d\n", status.Version)
	fmt.Printf("  Dirty:   %v\n", status.Dirty)
	fmt.Printf("  Applied: %v\n", status.Applied)

	if status.Dirty {
		fmt.Println("\nWARNING: database is in a dirty state.")
		fmt.Println("A migration likely failed halfway.")
		fmt.Printf("Use 'migrate force %d' to fix, then retry.\n", status.Version-1)
	}
}

func printUsage() {
	fmt.Print(`
Agentry Database Migration Tool

Usage:
  migrate <command> [arguments]

Commands:
  up              Apply all pending migrations
  down            Roll back the last migration
  down-all        Roll back all migrations (WARNING: deletes all data)
  version         Show current migration version
  to <N>          Migrate to version N
  force <N>       Force version to N (use to fix a dirty state)
  create <name>   Create new migration files
  help            Show this help message

Environment Variables:
  DATABASE_URL    Full database connection URL
  DB_HOST         Database host (default: localhost)
  DB_PORT         Database port (default: 5432)
  DB_USER         Database user (default: postgres)
  DB_PASSWORD     Database password
  DB_NAME         Database name (default: agentry)
  DB_SSLMODE      SSL mode (default: disable)
  MIGRATIONS_PATH Migrations directory (default: resolved automatically)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate version
  go run ./cmd/migrate create add_agent_labels
  go run ./cmd/migrate force 2
`)
}

// databaseConfig resolves the connection string and driver, preferring
// DATABASE_URL over the discrete DB_* variables.
func databaseConfig() (string, string) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		if u, err := url.Parse(databaseURL); err == nil {
			switch u.Scheme {
			case "postgres", "postgresql":
				return databaseURL, "postgres"
			case "sqlite", "sqlite3":
				return strings.TrimPrefix(databaseURL, u.Scheme+"://"), "sqlite"
			}
		}
		return databaseURL, "postgres"
	}

	host := getEnv("DB_HOST", "localhost")
	port := getEnvInt("DB_PORT", 5432)
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "password")
	dbname := getEnv("DB_NAME", "agentry")
	sslmode := getEnv("DB_SSLMODE", "disable")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode,
	)
	return dsn, "postgres"
}

// migrationsPath finds the migrations directory relative to the binary
// or the working directory, honoring MIGRATIONS_PATH when set.
func migrationsPath() string {
	if path := os.Getenv("MIGRATIONS_PATH"); path != "" {
		return path
	}

	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		for _, candidate := range []string{
			filepath.Join(execDir, "migrations"),
			filepath.Join(execDir, "..", "migrations"),
			filepath.Join(execDir, "..", "..", "migrations"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		for _, candidate := range []string{
			filepath.Join(cwd, "migrations"),
			filepath.Join(cwd, "..", "migrations"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}

	return "./migrations"
}

// createMigration writes a numbered .up.sql/.down.sql pair.
func createMigration(migrationsPath, name string) {
	name = strings.ToLower(strings.ReplaceAll(name, " ", "_"))
	name = strings.ReplaceAll(name, "-", "_")

	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		log.Fatalf("Failed to read migrations directory: %v", err)
	}

	maxVersion := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		filename := entry.Name()
		if len(filename) >= 6 {
			if v, err := strconv.Atoi(filename[:6]); err == nil && v > maxVersion {
				maxVersion = v
			}
		}
	}

	prefix := fmt.Sprintf("%06d_%s", maxVersion+1, name)
	upFile := filepath.Join(migrationsPath, prefix+".up.sql")
	downFile := filepath.Join(migrationsPath, prefix+".down.sql")

	stamp := time.Now().Format(time.RFC3339)
	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, stamp)
	downContent := fmt.Sprintf("-- Rollback: %s\n-- Created: %s\n\n", name, stamp)

	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		log.Fatalf("Failed to create up migration: %v", err)
	}
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		log.Fatalf("Failed to create down migration: %v", err)
	}

	fmt.Println("Created migration files:")
	fmt.Printf("  %s\n", upFile)
	fmt.Printf("  %s\n", downFile)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
