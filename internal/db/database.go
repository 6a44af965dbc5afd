// Package db provides database setup and seeding for Agentry.
package db

import (
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agentry/internal/logging"
	"agentry/pkg/models"
)

// Database wraps the GORM database instance
type Database struct {
	DB     *gorm.DB
	driver string
}

// Config holds database configuration
type Config struct {
	// Driver selects the backend: "postgres" (default) or "sqlite".
	Driver string

	// PostgreSQL settings
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string

	// SQLite settings, used for development and tests
	SQLitePath string
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:     "postgres",
		Host:       "localhost",
		Port:       5432,
		User:       "postgres",
		Password:   "password",
		DBName:     "agentry",
		SSLMode:    "disable",
		TimeZone:   "UTC",
		SQLitePath: "agentry.db",
	}
}

// NewDatabase creates a new database connection and runs auto-migration.
func NewDatabase(config *Config) (*Database, error) {
	if config == nil {
		config = DefaultConfig()
	}

	logLevel := logger.Info
	if os.Getenv("ENVIRONMENT") == "production" {
		logLevel = logger.Warn
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error

	switch config.Driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(config.SQLitePath), gormConfig)
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			config.Host, config.Port, config.User, config.Password,
			config.DBName, config.SSLMode, config.TimeZone,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: db, driver: config.Driver}

	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.S().Infow("database connected", "driver", database.driverName())
	return database, nil
}

func (d *Database) driverName() string {
	if d.driver == "" {
		return "postgres"
	}
	return d.driver
}

// Migrate runs schema auto-migration for all models.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Agent{},
		&models.AgentRun{},
		&models.MCPConnector{},
		&models.ConnectorCredential{},
		&models.MCPServer{},
		&models.Dataset{},
		&models.Snapshot{},
		&models.CreditTransaction{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := d.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// createIndexes creates partial indexes that AutoMigrate cannot express.
// Postgres only; SQLite development databases skip them.
func (d *Database) createIndexes() error {
	if d.driverName() != "postgres" {
		return nil
	}

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_users_username_active ON users(username) WHERE is_active = true")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_users_email_verified ON users(email) WHERE is_verified = true")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_agents_owner_active ON agents(owner_id) WHERE deleted_at IS NULL")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_agents_status ON agents(status) WHERE deleted_at IS NULL")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_agent_runs_agent_date ON agent_runs(agent_id, created_at DESC)")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_agent_runs_user_date ON agent_runs(user_id, created_at DESC)")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_agent_runs_module_status ON agent_runs(module_key, status)")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_sessions_user_valid ON sessions(user_id) WHERE revoked_at IS NULL")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_sessions_expires ON sessions(expires_at) WHERE revoked_at IS NULL")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_connectors_status ON mcp_connectors(status) WHERE deleted_at IS NULL")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_mcp_servers_owner ON mcp_servers(owner_id) WHERE deleted_at IS NULL")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_datasets_owner ON datasets(owner_id) WHERE deleted_at IS NULL")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_snapshots_owner_date ON snapshots(owner_id, created_at DESC)")

	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_credit_txns_user_date ON credit_transactions(user_id, created_at DESC)")

	return nil
}

// Health checks database connectivity
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM database instance
func (d *Database) GetDB() *gorm.DB {
	return d.DB
}

// GetStats returns database connection statistics
func (d *Database) GetStats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_idle_time_closed": stats.MaxIdleTimeClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}

// Transaction wraps a function in a database transaction
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}
