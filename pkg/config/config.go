package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zatekoja/claimvalidation/pkg/secrets"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	LLM        LLMConfig
	OTEL       OTELConfig
	Logging    LoggingConfig
	Validation ValidationConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// KeyPrefix namespaces every cache key this service writes
	KeyPrefix string
}

// LLMConfig holds configuration for the medical review model endpoint.
// BaseURL may point at any OpenAI-compatible chat completions API.
type LLMConfig struct {
	APIKey           string
	Model            string
	BaseURL          string
	Timeout          time.Duration
	RateLimitRPM     int
	RateLimitBurst   int
	BreakerFailures  int
	BreakerOpenDelay time.Duration
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Env   string
	Level string
}

// ValidationConfig holds claim validation pipeline settings
type ValidationConfig struct {
	DefaultTenantID        string
	RulesTTL               time.Duration
	BatchLimit             int
	Workers                int
	IdempotencyTTL         time.Duration
	TaskRetentionDays      int
	TaskStaleAfter         time.Duration
	LowConfidenceThreshold float64
}

// LoadWithSecrets exports the Vault secrets named by the VAULT_* variables
// into the environment, then calls Load.
func LoadWithSecrets(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()
	if _, err := secrets.ApplyVaultSecrets(ctx, secrets.LoadVaultConfigFromEnv()); err != nil {
		return nil, err
	}
	return Load()
}

// Load loads configuration from environment variables.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "claim_validation"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnvAsInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "claimvalidation:"),
		},
		LLM: LLMConfig{
			APIKey:           getEnv("LLM_API_KEY", getEnv("OPENAI_API_KEY", "")),
			Model:            getEnv("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:          getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Timeout:          getEnvAsDuration("LLM_TIMEOUT", 30*time.Second),
			RateLimitRPM:     getEnvAsInt("LLM_RATE_LIMIT_RPM", 60),
			RateLimitBurst:   getEnvAsInt("LLM_RATE_LIMIT_BURST", 5),
			BreakerFailures:  getEnvAsInt("LLM_BREAKER_FAILURES", 5),
			BreakerOpenDelay: getEnvAsDuration("LLM_BREAKER_OPEN_DELAY", 30*time.Second),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "claim-validation"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Logging: LoggingConfig{
			Env:   getEnv("APP_ENV", "production"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Validation: ValidationConfig{
			DefaultTenantID:        getEnv("TENANT_ID", "default"),
			RulesTTL:               getEnvAsDuration("RULES_CACHE_TTL", time.Hour),
			BatchLimit:             getEnvAsInt("VALIDATION_BATCH_LIMIT", 50),
			Workers:                getEnvAsInt("VALIDATION_WORKERS", 1),
			IdempotencyTTL:         getEnvAsDuration("VALIDATION_IDEMPOTENCY_TTL", 24*time.Hour),
			TaskRetentionDays:      getEnvAsInt("TASK_RETENTION_DAYS", 7),
			TaskStaleAfter:         getEnvAsDuration("TASK_STALE_AFTER", 30*time.Minute),
			LowConfidenceThreshold: getEnvAsFloat("LOW_CONFIDENCE_THRESHOLD", 0.5),
		},
	}

	if cfg.Validation.BatchLimit <= 0 {
		return nil, fmt.Errorf("VALIDATION_BATCH_LIMIT must be positive, got %d", cfg.Validation.BatchLimit)
	}
	if cfg.Validation.RulesTTL <= 0 {
		return nil, fmt.Errorf("RULES_CACHE_TTL must be positive, got %s", cfg.Validation.RulesTTL)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL returns the PostgreSQL connection URL used by migrations
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
