package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Firebase  FirebaseConfig
	Push      PushConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
	LogLevel  string

	// FinishSweepInterval is how often expired challenges are settled.
	FinishSweepInterval time.Duration

	// DefaultOrganization is the charity whose top challenge is offered.
	DefaultOrganization string
}

type ServerConfig struct {
	Port string
}

type AuthConfig struct {
	ClerkSecretKey string
	// Disabled trusts an X-User-ID header instead of a Clerk token. Local
	// development against the memory store only.
	Disabled bool
}

type DatabaseConfig struct {
	URL string
}

type FirebaseConfig struct {
	StoreBackend    string
	DatabaseURL     string
	CredentialsFile string
	CredentialsJSON []byte
}

type PushConfig struct {
	Enabled bool
	Workers int
}

type MetricsConfig struct {
	User     string
	Password string
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

const (
	StoreFirebase = "firebase"
	StoreMemory   = "memory"
)

// Load reads a .env file when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "3333"),
		},
		Auth: AuthConfig{
			ClerkSecretKey: os.Getenv("CLERK_SECRET_KEY"),
			Disabled:       getEnvAsBool("AUTH_DISABLED", false),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Firebase: FirebaseConfig{
			StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", StoreFirebase)),
			DatabaseURL:     os.Getenv("FIREBASE_DATABASE_URL"),
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", "./serviceAccountKey.json"),
		},
		Push: PushConfig{
			Enabled: getEnvAsBool("PUSH_ENABLED", true),
			Workers: getEnvAsInt("PUSH_WORKERS", 5),
		},
		Metrics: MetricsConfig{
			User:     os.Getenv("METRICS_USER"),
			Password: os.Getenv("METRICS_PASS"),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvAsInt("RATE_LIMIT_BURST", 30),
		},
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		FinishSweepInterval: getEnvAsDuration("FINISH_SWEEP_INTERVAL", 5*time.Minute),
		DefaultOrganization: getEnv("DEFAULT_ORGANIZATION", "hjartOchLungFonden"),
	}

	if encoded := os.Getenv("FIREBASE_CREDENTIALS_JSON"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 FIREBASE_CREDENTIALS_JSON: %w", err)
		}
		cfg.Firebase.CredentialsJSON = decoded
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Auth.Disabled && c.Auth.ClerkSecretKey == "" {
		return fmt.Errorf("CLERK_SECRET_KEY environment variable is not set")
	}
	switch c.Firebase.StoreBackend {
	case StoreFirebase:
		if c.Firebase.DatabaseURL == "" {
			return fmt.Errorf("FIREBASE_DATABASE_URL environment variable is not set")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Firebase.StoreBackend)
	}
	if c.FinishSweepInterval <= 0 {
		return fmt.Errorf("FINISH_SWEEP_INTERVAL must be positive")
	}
	if c.Push.Workers < 1 {
		return fmt.Errorf("PUSH_WORKERS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
