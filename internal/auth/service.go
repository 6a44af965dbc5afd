// Package auth implements the API-side authentication layer: bcrypt
// password accounts, short-lived JWT access tokens with opaque
// refresh-token sessions, and OAuth sign-in that provisions users by
// verified email.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"agentry/internal/billing"
	"agentry/internal/logging"
	"agentry/pkg/models"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountDisabled = errors.New("account is disabled")
)

// Service owns the authentication flows and their session rows.
type Service struct {
	db     *gorm.DB
	tokens *TokenService
	oauth  map[string]OAuthProvider
}

// NewService wires the auth flows.
func NewService(db *gorm.DB, tokens *TokenService) *Service {
	return &Service{
		db:     db,
		tokens: tokens,
		oauth:  make(map[string]OAuthProvider),
	}
}

// Tokens exposes the token service for middleware validation.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// TokenPair is the response body for every flow that signs a user in.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// SessionMeta records where a session was opened from.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// RegisterInput is the signup request body.
type RegisterInput struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name" binding:"max=100"`
}

// LoginInput is the login request body. Username also accepts the
// account email.
type LoginInput struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register creates a password account and signs it in. New accounts
// start on the free plan with its monthly credit grant.
func (s *Service) Register(ctx context.Context, input RegisterInput, meta SessionMeta) (*models.User, *TokenPair, error) {
	username := strings.TrimSpace(input.Username)
	if len(username) < 3 || len(username) > 50 {
		return nil, nil, errors.New("username must be between 3 and 50 characters")
	}
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if !strings.Contains(email, "@") {
		return nil, nil, errors.New("a valid email is required")
	}
	if err := ValidatePassword(input.Password); err != nil {
		return nil, nil, err
	}
	if len(input.FullName) > 100 {
		return nil, nil, errors.New("full name must be less than 100 characters")
	}

	var existing int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ? OR email = ?", username, email).
		Count(&existing).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check existing users: %w", err)
	}
	if existing > 0 {
		return nil, nil, ErrUserExists
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return nil, nil, err
	}

	grant := billing.MonthlyCredits(models.PlanFree)
	user := &models.User{
		Username:        username,
		Email:           email,
		PasswordHash:    hash,
		FullName:        strings.TrimSpace(input.FullName),
		IsActive:        true,
		Plan:            models.PlanFree,
		PlanRenewsAt:    time.Now().AddDate(0, 1, 0),
		Credits:         grant,
		LifetimeCredits: grant,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	pair, err := s.issuePair(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}

	logging.S().Infow("User registered", "user_id", user.ID, "username", user.Username)
	return user, pair, nil
}

// Login verifies a password account and opens a session.
func (s *Service) Login(ctx context.Context, input LoginInput, meta SessionMeta) (*models.User, *TokenPair, error) {
	identifier := strings.TrimSpace(input.Username)

	var user models.User
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", identifier, strings.ToLower(identifier)).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if err := CheckPassword(input.Password, user.PasswordHash); err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, nil, ErrAccountDisabled
	}

	pair, err := s.issuePair(ctx, &user, meta)
	if err != nil {
		return nil, nil, err
	}
	return &user, pair, nil
}

// Refresh rotates a refresh token: the presented session is revoked
// and a new one opened, so a replayed token dies on second use.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta SessionMeta) (*models.User, *TokenPair, error) {
	session, err := s.findSession(ctx, rawToken)
	if err != nil {
		return nil, nil, err
	}
	if !session.IsValid() {
		return nil, nil, ErrInvalidToken
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, session.UserID).Error; err != nil {
		return nil, nil, ErrInvalidToken
	}
	if !user.IsActive {
		return nil, nil, ErrAccountDisabled
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(session).UpdateColumn("revoked_at", &now).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to revoke session: %w", err)
	}

	pair, err := s.issuePair(ctx, &user, meta)
	if err != nil {
		return nil, nil, err
	}
	return &user, pair, nil
}

// Logout revokes the session behind a refresh token. Unknown tokens
// are a no-op so logout stays idempotent.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	session, err := s.findSession(ctx, rawToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil
		}
		return err
	}
	if session.RevokedAt != nil {
		return nil
	}

	now := time.Now()
	return s.db.WithContext(ctx).Model(session).UpdateColumn("revoked_at", &now).Error
}

// User loads the account behind an authenticated request.
func (s *Service) User(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// PruneSessions hard-deletes expired and revoked sessions. Meant for a
// periodic maintenance loop.
func (s *Service) PruneSessions(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ? OR revoked_at IS NOT NULL", time.Now()).
		Delete(&models.Session{})
	return res.RowsAffected, res.Error
}

func (s *Service) findSession(ctx context.Context, rawToken string) (*models.Session, error) {
	if rawToken == "" {
		return nil, ErrInvalidToken
	}
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("refresh_token_hash = ?", HashRefreshToken(rawToken)).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return &session, nil
}

func (s *Service) issuePair(ctx context.Context, user *models.User, meta SessionMeta) (*TokenPair, error) {
	access, expiresAt, err := s.tokens.Mint(user)
	if err != nil {
		return nil, err
	}

	raw, hash, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		UserID:           user.ID,
		RefreshTokenHash: hash,
		UserAgent:        meta.UserAgent,
		IPAddress:        meta.IPAddress,
		ExpiresAt:        time.Now().Add(refreshTokenTTL),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresAt:    expiresAt,
		TokenType:    "Bearer",
	}, nil
}
