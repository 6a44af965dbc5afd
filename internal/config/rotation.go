package config

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"agentry/internal/logging"
	"agentry/internal/secrets"
	"agentry/pkg/models"
)

// RotationResult tracks the outcome of a key rotation
type RotationResult struct {
	TotalItems      int       `json:"total_items"`
	Migrated        int       `json:"migrated"`
	Failed          int       `json:"failed"`
	Errors          []string  `json:"errors,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// RotateSecretsKey re-encrypts every stored connector credential and
// external MCP server token from oldKey to newKey. Run as a one-time
// migration when rotating SECRETS_KEY. The whole rotation runs in a
// transaction and rolls back when more than 10% of items fail.
func RotateSecretsKey(db *gorm.DB, oldKeyBase64, newKeyBase64 string) (*RotationResult, error) {
	result := &RotationResult{StartedAt: time.Now()}

	oldManager, err := secrets.NewManager(oldKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to init old key manager: %w", err)
	}
	newManager, err := secrets.NewManager(newKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to init new key manager: %w", err)
	}

	var creds []models.ConnectorCredential
	if err := db.Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to query connector credentials: %w", err)
	}
	var servers []models.MCPServer
	if err := db.Where("auth_ciphertext <> ''").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to query mcp servers: %w", err)
	}

	result.TotalItems = len(creds) + len(servers)
	logging.S().Infow("key rotation started", "items", result.TotalItems)

	txErr := db.Transaction(func(tx *gorm.DB) error {
		for _, c := range creds {
			blob, err := reseal(oldManager, newManager, c.UserID, c.Ciphertext)
			if err != nil {
				msg := fmt.Sprintf("credential %d (user %d, connector %q): %v", c.ID, c.UserID, c.ConnectorKey, err)
				result.Errors = append(result.Errors, msg)
				result.Failed++
				logging.S().Warnw("key rotation item failed", "detail", msg)
				continue
			}
			if err := tx.Model(&models.ConnectorCredential{}).Where("id = ?", c.ID).
				Update("ciphertext", blob).Error; err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("credential %d: update failed: %v", c.ID, err))
				result.Failed++
				continue
			}
			result.Migrated++
		}

		for _, s := range servers {
			blob, err := reseal(oldManager, newManager, s.OwnerID, s.AuthCiphertext)
			if err != nil {
				msg := fmt.Sprintf("mcp server %d (user %d): %v", s.ID, s.OwnerID, err)
				result.Errors = append(result.Errors, msg)
				result.Failed++
				logging.S().Warnw("key rotation item failed", "detail", msg)
				continue
			}
			if err := tx.Model(&models.MCPServer{}).Where("id = ?", s.ID).
				Update("auth_ciphertext", blob).Error; err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("mcp server %d: update failed: %v", s.ID, err))
				result.Failed++
				continue
			}
			result.Migrated++
		}

		if result.TotalItems > 0 && float64(result.Failed)/float64(result.TotalItems) > 0.1 {
			return fmt.Errorf("too many failures (%d/%d), rolling back", result.Failed, result.TotalItems)
		}
		return nil
	})

	result.CompletedAt = time.Now()
	result.DurationSeconds = result.CompletedAt.Sub(result.StartedAt).Seconds()

	if txErr != nil {
		return result, fmt.Errorf("key rotation failed (transaction rolled back): %w", txErr)
	}

	logging.S().Infow("key rotation complete",
		"migrated", result.Migrated, "failed", result.Failed,
		"total", result.TotalItems, "seconds", result.DurationSeconds)
	return result, nil
}

func reseal(oldM, newM *secrets.Manager, userID uint, blob string) (string, error) {
	plaintext, err := oldM.Open(userID, blob)
	if err != nil {
		return "", fmt.Errorf("decrypt failed: %w", err)
	}
	return newM.Seal(userID, plaintext)
}

// ValidateRotation verifies every stored blob decrypts with the new key.
func ValidateRotation(db *gorm.DB, newKeyBase64 string) (ok, fail int, err error) {
	newManager, err := secrets.NewManager(newKeyBase64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to init new key manager: %w", err)
	}

	var creds []models.ConnectorCredential
	if err := db.Find(&creds).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to query connector credentials: %w", err)
	}
	for _, c := range creds {
		if _, openErr := newManager.Open(c.UserID, c.Ciphertext); openErr != nil {
			fail++
		} else {
			ok++
		}
	}

	var servers []models.MCPServer
	if err := db.Where("auth_ciphertext <> ''").Find(&servers).Error; err != nil {
		return ok, fail, fmt.Errorf("failed to query mcp servers: %w", err)
	}
	for _, s := range servers {
		if _, openErr := newManager.Open(s.OwnerID, s.AuthCiphertext); openErr != nil {
			fail++
		} else {
			ok++
		}
	}

	return ok, fail, nil
}
