package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"unicode"

	"github.com/golang-jwt/jwt/v5"

	"agentry/internal/logging"
)

// Environment constants
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	MinJWTSecretLength = 32
	MinSecretsKeyBytes = 32 // AES-256
	MinDatabaseURLLen  = 10
)

// SecretRequirement defines a required secret and its validation rules
type SecretRequirement struct {
	Name        string
	EnvVar      string
	Description string
	Required    bool // Required in production
	MinLength   int
	Validator   func(string) error
}

// SecretsConfig holds validated secrets for the application
type SecretsConfig struct {
	JWTSecret    string
	JWTSecretOld string // For rotation support

	// AES-256 key (base64) for credential encryption
	SecretsKey string

	DatabaseURL string

	// AI provider keys, all optional
	GeminiAPIKey    string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	Environment  string
	IsProduction bool
}

// SecretsValidationError represents a validation failure
type SecretsValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *SecretsValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing secrets: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid secrets: %s", strings.Join(e.Invalid, ", ")))
	}
	return strings.Join(parts, "; ")
}

func (e *SecretsValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// DefaultSecretRequirements returns the standard secret requirements.
func DefaultSecretRequirements() []SecretRequirement {
	return []SecretRequirement{
		{
			Name:        "JWT Secret",
			EnvVar:      "JWT_SECRET",
			Description: "Secret key for signing JWT tokens",
			Required:    true,
			MinLength:   MinJWTSecretLength,
			Validator:   validateJWTSecret,
		},
		{
			Name:        "Secrets Key",
			EnvVar:      "SECRETS_KEY",
			Description: "AES-256 key for encrypting connector credentials (base64 encoded)",
			Required:    true,
			MinLength:   MinSecretsKeyBytes,
			Validator:   validateSecretsKey,
		},
		{
			Name:        "Database URL",
			EnvVar:      "DATABASE_URL",
			Description: "PostgreSQL connection string",
			Required:    true,
			MinLength:   MinDatabaseURLLen,
			Validator:   validateDatabaseURL,
		},
		{
			Name:        "Gemini API Key",
			EnvVar:      "GEMINI_API_KEY",
			Description: "Google AI Studio key for the gemini provider",
			Required:    false,
			MinLength:   30,
			Validator:   validateGeminiKey,
		},
		{
			Name:        "OpenAI API Key",
			EnvVar:      "OPENAI_API_KEY",
			Description: "OpenAI key for the openai provider",
			Required:    false,
			MinLength:   20,
			Validator:   validateOpenAIKey,
		},
		{
			Name:        "Anthropic API Key",
			EnvVar:      "ANTHROPIC_API_KEY",
			Description: "Anthropic key for the anthropic provider",
			Required:    false,
			MinLength:   20,
			Validator:   validateAnthropicKey,
		},
	}
}

// ValidateSecrets validates all required secrets and returns a
// SecretsConfig. In production a non-nil error means the process must
// not start.
func ValidateSecrets() (*SecretsConfig, error) {
	env := GetEnvironment()
	isProduction := IsProductionEnvironment()

	config := &SecretsConfig{
		Environment:  env,
		IsProduction: isProduction,
	}

	validationErr := &SecretsValidationError{}

	for _, req := range DefaultSecretRequirements() {
		value := os.Getenv(req.EnvVar)

		if value == "" {
			if req.Required && isProduction {
				validationErr.Missing = append(validationErr.Missing, req.EnvVar)
			} else if req.Required {
				validationErr.Warnings = append(validationErr.Warnings,
					fmt.Sprintf("%s not set, using development default (NOT SECURE FOR PRODUCTION)", req.EnvVar))
			}
			continue
		}

		if len(value) < req.MinLength {
			if isProduction {
				validationErr.Invalid = append(validationErr.Invalid,
					fmt.Sprintf("%s: too short (min %d characters)", req.EnvVar, req.MinLength))
			} else {
				validationErr.Warnings = append(validationErr.Warnings,
					fmt.Sprintf("%s: shorter than recommended (%d chars, recommend %d+)", req.EnvVar, len(value), req.MinLength))
			}
		}

		if req.Validator != nil {
			if err := req.Validator(value); err != nil {
				if isProduction {
					validationErr.Invalid = append(validationErr.Invalid,
						fmt.Sprintf("%s: %s", req.EnvVar, err.Error()))
				} else {
					validationErr.Warnings = append(validationErr.Warnings,
						fmt.Sprintf("%s: %s (allowed in development)", req.EnvVar, err.Error()))
				}
			}
		}
	}

	config.JWTSecret = os.Getenv("JWT_SECRET")
	config.JWTSecretOld = os.Getenv("JWT_SECRET_OLD")
	config.SecretsKey = os.Getenv("SECRETS_KEY")
	config.DatabaseURL = os.Getenv("DATABASE_URL")
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	config.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")

	if isProduction {
		if config.JWTSecret == "" {
			return nil, errors.New("JWT_SECRET is required in production, authentication will not work")
		}
		if config.SecretsKey == "" {
			return nil, errors.New("SECRETS_KEY is required in production, encrypted credentials would be lost without it")
		}
		if validationErr.HasErrors() {
			return nil, validationErr
		}
	}

	// Staging requires everything production does.
	if IsStagingEnvironment() && len(validationErr.Missing) > 0 {
		return nil, fmt.Errorf("staging environment requires all production secrets: %s",
			strings.Join(validationErr.Missing, ", "))
	}

	// Outside production, derive stable defaults so auth and credential
	// encryption work out of the box. Stable (not random) so a dev
	// restart does not log everyone out or orphan stored credentials.
	if config.JWTSecret == "" {
		config.JWTSecret = devFallbackSecret("jwt")
	}
	if config.SecretsKey == "" {
		config.SecretsKey = devFallbackSecret("credentials")
	}

	for _, warning := range validationErr.Warnings {
		logging.S().Warnw("secrets validation", "warning", warning)
	}

	return config, nil
}

// ValidateAndLogSecrets validates secrets and logs configuration status.
// Call at application startup; treat a non-nil error as fatal.
func ValidateAndLogSecrets() (*SecretsConfig, error) {
	config, err := ValidateSecrets()
	if err != nil {
		logging.S().Errorw("secrets validation failed", "error", err)
		return nil, err
	}

	// Names only, never values.
	logging.S().Infow("secrets configuration",
		"jwt_secret", os.Getenv("JWT_SECRET") != "",
		"jwt_secret_old", config.JWTSecretOld != "",
		"secrets_key", os.Getenv("SECRETS_KEY") != "",
		"database_url", config.DatabaseURL != "",
		"gemini", config.GeminiAPIKey != "",
		"openai", config.OpenAIAPIKey != "",
		"anthropic", config.AnthropicAPIKey != "",
		"environment", config.Environment,
	)
	return config, nil
}

// MustValidateSecrets calls ValidateAndLogSecrets and exits the process
// if validation fails.
func MustValidateSecrets() *SecretsConfig {
	config, err := ValidateAndLogSecrets()
	if err != nil {
		logging.S().Fatalw("cannot start: secrets validation failed", "error", err)
	}
	return config
}

// devFallbackSecret derives a stable development-only secret.
func devFallbackSecret(label string) string {
	sum := sha256.Sum256([]byte("agentry-dev-" + label))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// GetEnvironment returns the current environment
func GetEnvironment() string {
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = os.Getenv("AGENTRY_ENV")
	}
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = EnvDevelopment
	}
	return strings.ToLower(env)
}

// IsProductionEnvironment returns true if running in production
func IsProductionEnvironment() bool {
	env := GetEnvironment()
	return env == EnvProduction || env == "prod"
}

// IsStagingEnvironment returns true if running in staging
func IsStagingEnvironment() bool {
	env := GetEnvironment()
	return env == EnvStaging || env == "stage"
}

// --- Validators ---

// validateJWTSecret enforces a strong JWT signing key.
func validateJWTSecret(secret string) error {
	weakSecrets := []string{
		"secret",
		"jwt-secret",
		"jwt_secret",
		"your-secret",
		"changeme",
		"password",
		"example",
		"default",
		"placeholder",
		"replace-me",
		"agentry-secret",
	}

	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	allAlpha := true
	allDigit := true
	for _, c := range secret {
		if !unicode.IsLetter(c) {
			allAlpha = false
		}
		if !unicode.IsDigit(c) {
			allDigit = false
		}
	}
	if allAlpha {
		return errors.New("must contain non-alphabetic characters for sufficient entropy")
	}
	if allDigit {
		return errors.New("must contain non-numeric characters for sufficient entropy")
	}

	if entropy := shannonEntropy(secret); entropy < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", entropy)
	}

	if hasRepeatingPattern(secret) {
		return errors.New("appears to contain a repeating pattern")
	}

	return nil
}

// validateSecretsKey enforces a valid AES-256 key.
func validateSecretsKey(key string) error {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("must be valid base64 encoded: %w", err)
	}
	if len(decoded) != MinSecretsKeyBytes {
		return fmt.Errorf("must decode to exactly %d bytes (got %d) for AES-256", MinSecretsKeyBytes, len(decoded))
	}

	allZero := true
	for _, b := range decoded {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return errors.New("key is all zeros, not a valid encryption key")
	}

	if entropy := byteEntropy(decoded); entropy < 4.0 {
		return fmt.Errorf("key byte entropy too low (%.1f, need >= 4.0)", entropy)
	}

	return nil
}

// validateDatabaseURL checks for a valid PostgreSQL connection string.
func validateDatabaseURL(rawURL string) error {
	if !strings.HasPrefix(rawURL, "postgres://") && !strings.HasPrefix(rawURL, "postgresql://") {
		return errors.New("must be a PostgreSQL connection URL (postgres:// or postgresql://)")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return errors.New("database URL must include a hostname")
	}

	if parsed.User != nil {
		if password, ok := parsed.User.Password(); ok {
			weakPasswords := []string{"password", "postgres", "changeme", "test", "example"}
			for _, weak := range weakPasswords {
				if strings.EqualFold(password, weak) {
					return fmt.Errorf("database password %q is a known default, use a strong password", weak)
				}
			}
		}
	}

	return nil
}

// validateGeminiKey checks the Google AI Studio key format.
func validateGeminiKey(key string) error {
	if !strings.HasPrefix(key, "AIza") {
		return errors.New("must start with AIza")
	}
	if len(key) < 30 {
		return errors.New("key appears truncated (expected 30+ characters)")
	}
	return nil
}

// validateOpenAIKey checks the OpenAI key format.
func validateOpenAIKey(key string) error {
	if !strings.HasPrefix(key, "sk-") {
		return errors.New("must start with sk-")
	}
	if strings.HasPrefix(key, "sk-ant-") {
		return errors.New("looks like an Anthropic key, check ANTHROPIC_API_KEY")
	}
	if len(key) < 20 {
		return errors.New("key appears truncated (expected 20+ characters)")
	}
	return nil
}

// validateAnthropicKey checks the Anthropic key format.
func validateAnthropicKey(key string) error {
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("must start with sk-ant-")
	}
	if len(key) < 20 {
		return errors.New("key appears truncated (expected 20+ characters)")
	}
	return nil
}

// --- Entropy Helpers ---

// shannonEntropy calculates Shannon entropy in bits per character.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// byteEntropy calculates Shannon entropy over raw bytes.
func byteEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	freq := make(map[byte]float64)
	for _, b := range data {
		freq[b]++
	}
	length := float64(len(data))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// hasRepeatingPattern detects simple repeating patterns (e.g. "abcabc").
func hasRepeatingPattern(s string) bool {
	n := len(s)
	if n < 6 {
		return false
	}
	for patLen := 1; patLen <= n/2; patLen++ {
		pattern := s[:patLen]
		isRepeat := true
		for i := patLen; i < n; i++ {
			if s[i] != pattern[i%patLen] {
				isRepeat = false
				break
			}
		}
		if isRepeat {
			return true
		}
	}
	return false
}

// --- Key Generation ---

// GenerateSecureSecret generates a cryptographically secure random
// secret, URL-safe base64 encoded.
func GenerateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// --- JWT Rotation ---

// JWTRotationValidator validates tokens during signing-key rotation:
// the current key is tried first, then the old one.
type JWTRotationValidator struct {
	currentSecret []byte
	oldSecret     []byte
}

// NewJWTRotationValidator creates a validator that supports key rotation
func NewJWTRotationValidator(currentSecret, oldSecret string) *JWTRotationValidator {
	v := &JWTRotationValidator{
		currentSecret: []byte(currentSecret),
	}
	if oldSecret != "" {
		v.oldSecret = []byte(oldSecret)
	}
	return v
}

// ValidateToken parses and validates a JWT, trying the current key
// first and falling back to the old key when rotation is active.
func (v *JWTRotationValidator) ValidateToken(tokenString string, claims jwt.Claims) (*jwt.Token, error) {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.currentSecret, nil
	})
	if err == nil && token.Valid {
		return token, nil
	}

	if v.oldSecret != nil {
		token, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.oldSecret, nil
		})
		if err == nil && token.Valid {
			logging.S().Warnw("token validated with old JWT secret, user should re-authenticate soon")
			return token, nil
		}
	}

	return nil, fmt.Errorf("token validation failed: %w", err)
}
