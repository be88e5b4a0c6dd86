package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"appleauth/internal/nonce"
)

// Config contains runtime configuration for the sign-in server.
type Config struct {
	HTTPAddr        string
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleScopes       []string

	AppleClientID    string
	AppleTeamID      string
	AppleKeyID       string
	AppleKey         string
	AppleRedirectURL string
	AppleScopes      []string

	// SignInTimeout bounds how long a sign-in request waits for the redirect.
	SignInTimeout time.Duration
	// AttemptTTL is how long a launched sign-in and an unclaimed result live.
	AttemptTTL  time.Duration
	NonceLength int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FirebaseProjectID       string
	FirebaseCredentialsFile string

	LogLevel string
}

// AppleRedirectEnabled reports whether the Apple redirect flow can run, which
// needs the key to mint client secrets.
func (c Config) AppleRedirectEnabled() bool {
	return c.AppleClientID != "" && c.AppleTeamID != "" && c.AppleKeyID != "" && c.AppleKey != ""
}

// FirebaseEnabled reports whether custom tokens should be minted.
func (c Config) FirebaseEnabled() bool {
	return c.FirebaseProjectID != ""
}

// Load reads configuration from environment variables, falling back to sensible defaults for local development.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret-change-me"),
		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/google/callback"),
		GoogleScopes:       getEnvList("GOOGLE_SCOPES", []string{"openid", "email", "profile"}),

		AppleClientID:    os.Getenv("APPLE_CLIENT_ID"),
		AppleTeamID:      os.Getenv("APPLE_TEAM_ID"),
		AppleKeyID:       os.Getenv("APPLE_KEY_ID"),
		AppleKey:         os.Getenv("APPLE_PRIVATE_KEY"),
		AppleRedirectURL: getEnv("APPLE_REDIRECT_URL", "http://localhost:8080/auth/apple/callback"),
		AppleScopes:      getEnvList("APPLE_SCOPES", []string{"email", "name"}),

		SignInTimeout: getEnvDuration("SIGNIN_TIMEOUT", 5*time.Minute),
		AttemptTTL:    getEnvDuration("ATTEMPT_TTL", 10*time.Minute),
		NonceLength:   getEnvInt("NONCE_LENGTH", 32),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		FirebaseProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		FirebaseCredentialsFile: os.Getenv("FIREBASE_CREDENTIALS_FILE"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET must not be empty")
	}
	if cfg.NonceLength <= 0 || cfg.NonceLength > nonce.MaxLength {
		return Config{}, fmt.Errorf("NONCE_LENGTH must be between 1 and %d", nonce.MaxLength)
	}
	if cfg.SignInTimeout > cfg.AttemptTTL {
		return Config{}, errors.New("SIGNIN_TIMEOUT must not exceed ATTEMPT_TTL")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}

		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvList splits a comma or space separated value.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return fallback
	}
	return fields
}
