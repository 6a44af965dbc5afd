package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agentry/internal/logging"
	"agentry/internal/metrics"
	"agentry/pkg/models"
)

// ErrInsufficientCredits is returned when a charge would push the
// balance below zero. Balances never go negative.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Service is the credits ledger.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Balance returns the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID uint) (int, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Select("credits").First(&user, userID).Error; err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	return user.Credits, nil
}

// Charge deducts credits and writes an audit row. Users on unmetered
// accounts (admins, enterprise plan) are not charged and no row is
// written; the returned transaction is nil in that case.
func (s *Service) Charge(ctx context.Context, userID uint, amount int, reason, ref string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	var row *models.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if user.IsUnlimited() {
			return nil
		}

		// Guarded decrement keeps the floor at zero without a row lock.
		result := tx.Model(&models.User{}).
			Where("id = ? AND credits >= ?", userID, amount).
			UpdateColumn("credits", gorm.Expr("credits - ?", amount))
		if result.Error != nil {
			return fmt.Errorf("failed to charge credits: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, amount, user.Credits)
		}

		if err := tx.Select("credits").First(&user, userID).Error; err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		row = &models.CreditTransaction{
			UserID:  userID,
			Delta:   -amount,
			Balance: user.Credits,
			Reason:  reason,
			Ref:     ref,
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	if row != nil {
		metrics.Get().RecordCreditsCharged(reason, amount)
	}
	return row, nil
}

// Grant adds credits and counts them toward lifetime credits.
func (s *Service) Grant(ctx context.Context, userID uint, amount int, reason, ref string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	row, err := s.add(ctx, userID, amount, reason, ref, true)
	if err != nil {
		return nil, err
	}
	metrics.Get().RecordCreditsGranted(reason, amount)
	return row, nil
}

// Refund returns previously charged credits. Lifetime credits are not
// affected.
func (s *Service) Refund(ctx context.Context, userID uint, amount int, reason, ref string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	return s.add(ctx, userID, amount, reason, ref, false)
}

func (s *Service) add(ctx context.Context, userID uint, amount int, reason, ref string, lifetime bool) (*models.CreditTransaction, error) {
	var row *models.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"credits": gorm.Expr("credits + ?", amount),
		}
		if lifetime {
			updates["lifetime_credits"] = gorm.Expr("lifetime_credits + ?", amount)
		}
		result := tx.Model(&models.User{}).Where("id = ?", userID).UpdateColumns(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to add credits: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("user %d not found", userID)
		}

		var user models.User
		if err := tx.Select("credits").First(&user, userID).Error; err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		row = &models.CreditTransaction{
			UserID:  userID,
			Delta:   amount,
			Balance: user.Credits,
			Reason:  reason,
			Ref:     ref,
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// History returns the user's credit movements, newest first.
func (s *Service) History(ctx context.Context, userID uint, page, limit int) ([]models.CreditTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var rows []models.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return rows, total, nil
}

// RenewDue grants monthly credits to every active user whose renewal
// date has passed, and advances the renewal date. Returns how many
// users were renewed.
func (s *Service) RenewDue(ctx context.Context) (int, error) {
	var due []models.User
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND plan_renews_at <= ?", true, time.Now().UTC()).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list due renewals: %w", err)
	}

	renewed := 0
	for i := range due {
		user := &due[i]
		amount := MonthlyCredits(user.Plan)
		next := time.Now().UTC().AddDate(0, 1, 0)
		applied := false

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Advancing the date first makes the renewal idempotent if
			// two schedulers race.
			result := tx.Model(&models.User{}).
				Where("id = ? AND plan_renews_at <= ?", user.ID, time.Now().UTC()).
				Update("plan_renews_at", next)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil // someone else renewed already
			}

			updates := map[string]interface{}{
				"credits":          gorm.Expr("credits + ?", amount),
				"lifetime_credits": gorm.Expr("lifetime_credits + ?", amount),
			}
			if err := tx.Model(&models.User{}).Where("id = ?", user.ID).UpdateColumns(updates).Error; err != nil {
				return err
			}

			var fresh models.User
			if err := tx.Select("credits").First(&fresh, user.ID).Error; err != nil {
				return err
			}
			row := &models.CreditTransaction{
				UserID:  user.ID,
				Delta:   amount,
				Balance: fresh.Credits,
				Reason:  "monthly_grant",
				Ref:     user.Plan,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			logging.S().Errorw("Monthly renewal failed", "user_id", user.ID, "error", err)
			continue
		}
		if applied {
			renewed++
			metrics.Get().RecordCreditsGranted("monthly_grant", amount)
		}
	}

	if renewed > 0 {
		logging.S().Infow("Monthly credit renewals applied", "count", renewed)
	}
	return renewed, nil
}
