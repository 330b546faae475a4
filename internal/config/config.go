package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the control plane.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Logging
	LogLevel  string
	LogFormat string

	// Sandbox provider
	ProviderBaseURL   string
	ProviderAPIKey    string
	ProviderAPISecret string
	SandboxSnapshot   string
	SandboxProvider   string // "remote", "docker" or "mock"

	// Agent
	AgentAPIKey string

	// Session orchestration timeouts. Overridable via env so tests can
	// exercise the retry path without waiting minutes.
	InitialTimeout  time.Duration
	ActivityTimeout time.Duration

	// Whether the settings REST surface exposes stored values.
	SettingsVisible bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./apex.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	cfg.ProviderBaseURL = getEnv("PROVIDER_BASE_URL", "")
	cfg.ProviderAPIKey = getEnv("PROVIDER_API_KEY", "")
	cfg.ProviderAPISecret = getEnv("PROVIDER_API_SECRET", "")
	cfg.SandboxSnapshot = getEnv("SANDBOX_SNAPSHOT", "apex-sandbox:latest")
	cfg.SandboxProvider = getEnv("SANDBOX_PROVIDER", "docker")

	cfg.AgentAPIKey = getEnv("AGENT_API_KEY", "")

	cfg.InitialTimeout = getEnvDuration("INITIAL_TIMEOUT", 90*time.Second)
	cfg.ActivityTimeout = getEnvDuration("ACTIVITY_TIMEOUT", 300*time.Second)

	cfg.SettingsVisible = getEnvBool("SETTINGS_VISIBLE", false)

	return cfg, nil
}

// detectDriver determines the database driver from the DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") || dsn == ":memory:" {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from the DSN.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
