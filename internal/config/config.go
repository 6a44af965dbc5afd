// Package config assembles runtime configuration from the environment
// and validates the secrets the platform cannot start without.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the non-secret runtime configuration. Secrets are
// validated separately by ValidateSecrets.
type Config struct {
	Environment string
	Port        int

	// Database. DatabaseURL takes precedence over the discrete fields.
	DatabaseURL string
	DBDriver    string // postgres or sqlite
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	RedisURL string

	CORSOrigins []string

	// Dataset staging and snapshot storage. Endpoint and the static key
	// pair support S3-compatible stores (MinIO, R2); left empty, the
	// default AWS credential chain applies.
	StagingDir  string
	SnapshotDir string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	OAuthRedirectBase  string

	// AI providers
	GeminiAPIKey    string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Load reads configuration from the environment with sane defaults.
func Load() *Config {
	return &Config{
		Environment: GetEnvironment(),
		Port:        getEnvInt("PORT", 8080),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBDriver:    getEnv("DB_DRIVER", "postgres"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnvInt("DB_PORT", 5432),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "password"),
		DBName:      getEnv("DB_NAME", "agentry"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),
		SQLitePath:  getEnv("SQLITE_PATH", "agentry.db"),

		RedisURL: os.Getenv("REDIS_URL"),

		CORSOrigins: splitAndTrim(getEnv("CORS_ORIGINS", "http://localhost:5173")),

		StagingDir:  getEnv("STAGING_DIR", "./staging"),
		SnapshotDir: getEnv("SNAPSHOT_DIR", "./snapshots"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Prefix:    getEnv("S3_PREFIX", "snapshots"),
		S3Region:    getEnvAny("us-east-1", "S3_REGION", "AWS_REGION"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		OAuthRedirectBase:  getEnv("OAUTH_REDIRECT_BASE", "http://localhost:8080"),

		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvAny returns the first non-empty value among keys.
func getEnvAny(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return fallback
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
