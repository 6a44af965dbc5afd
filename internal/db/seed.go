package db

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"agentry/internal/connectors"
	"agentry/internal/logging"
	"agentry/pkg/models"
)

// getSeedPassword reads a seed password from the environment. In
// production the env var is mandatory; in development a known default
// keeps local setup friction-free.
func getSeedPassword(envVar, defaultDev string) string {
	if password := os.Getenv(envVar); password != "" {
		return password
	}
	if os.Getenv("ENVIRONMENT") == "production" {
		logging.S().Warnw("seed password not set in production, seed user will not be created", "env_var", envVar)
		return ""
	}
	return defaultDev
}

// SeedAdminUser creates the default admin account if it doesn't exist
func (d *Database) SeedAdminUser() error {
	var existing models.User
	err := d.DB.Where("username = ?", "admin").First(&existing).Error
	if err == nil {
		// Re-assert privileges in case they were changed.
		return d.DB.Model(&existing).Updates(map[string]interface{}{
			"is_admin":    true,
			"is_verified": true,
			"is_active":   true,
			"plan":        models.PlanEnterprise,
		}).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check for admin user: %w", err)
	}

	password := getSeedPassword("ADMIN_SEED_PASSWORD", "admin-dev-password")
	if password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	admin := models.User{
		Username:     "admin",
		Email:        "admin@agentry.dev",
		PasswordHash: string(hash),
		FullName:     "Agentry Admin",
		IsActive:     true,
		IsVerified:   true,
		IsAdmin:      true,
		Plan:         models.PlanEnterprise,
		Credits:      1_000_000,
	}
	if err := d.DB.Create(&admin).Error; err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logging.S().Infow("admin user created", "username", admin.Username)
	return nil
}

// SeedConnectorCatalog upserts the built-in connector descriptors.
// Existing rows keep their Status so a connector an admin disabled
// stays disabled across restarts.
func (d *Database) SeedConnectorCatalog() error {
	for _, def := range connectors.Defaults() {
		var existing models.MCPConnector
		err := d.DB.Where("key = ?", def.Key).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := d.DB.Create(&def).Error; err != nil {
				return fmt.Errorf("failed to create connector %q: %w", def.Key, err)
			}
		case err != nil:
			return fmt.Errorf("failed to check connector %q: %w", def.Key, err)
		default:
			existing.Name = def.Name
			existing.Description = def.Description
			existing.Category = def.Category
			existing.AuthKind = def.AuthKind
			existing.BaseURL = def.BaseURL
			existing.ConfigSchema = def.ConfigSchema
			if err := d.DB.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to update connector %q: %w", def.Key, err)
			}
		}
	}
	return nil
}

// RunSeeds runs all database seeds. Failures are logged but do not
// abort startup; a missing seed is recoverable, a dead process is not.
func (d *Database) RunSeeds() error {
	if err := d.SeedAdminUser(); err != nil {
		logging.S().Errorw("failed to seed admin user", "error", err)
	}
	if err := d.SeedConnectorCatalog(); err != nil {
		logging.S().Errorw("failed to seed connector catalog", "error", err)
	}
	return nil
}
