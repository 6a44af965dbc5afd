package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentry/pkg/models"
)

const (
	accessTokenTTL    = 15 * time.Minute
	refreshTokenTTL   = 30 * 24 * time.Hour
	refreshTokenBytes = 32

	tokenIssuer = "agentry"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by access tokens.
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Plan     string `json:"plan"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and validates HS256 access tokens. Refresh tokens
// are opaque values backed by session rows, not JWTs; see
// NewRefreshToken.
type TokenService struct {
	secret []byte

	// Previous secrets still accepted during rotation. Minting always
	// uses the current secret.
	oldSecrets [][]byte
}

// NewTokenService builds a token service. Extra secrets are accepted
// for validation only, so JWT_SECRET can rotate without logging every
// user out.
func NewTokenService(secret string, oldSecrets ...string) *TokenService {
	t := &TokenService{secret: []byte(secret)}
	for _, s := range oldSecrets {
		if s != "" {
			t.oldSecrets = append(t.oldSecrets, []byte(s))
		}
	}
	return t
}

// Mint issues a short-lived access token for the user.
func (t *TokenService) Mint(user *models.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(accessTokenTTL)

	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Plan:     user.Plan,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("user:%d", user.ID),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses an access token and returns its claims.
func (t *TokenService) Validate(tokenString string) (*Claims, error) {
	claims, err := t.parse(tokenString, t.secret)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, ErrTokenExpired) {
		return nil, err
	}

	for _, old := range t.oldSecrets {
		if claims, oldErr := t.parse(tokenString, old); oldErr == nil {
			return claims, nil
		}
	}
	return nil, err
}

func (t *TokenService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewRefreshToken returns an opaque refresh token and the hash that is
// stored for it. Only the hash ever touches the database.
func NewRefreshToken() (raw, hash string, err error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashRefreshToken(raw), nil
}

// HashRefreshToken returns the storage form of a refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
