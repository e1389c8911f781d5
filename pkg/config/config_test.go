package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_LLMConfig(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("LLM_MODEL", "gpt-test")
	t.Setenv("LLM_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-test", cfg.LLM.Model)
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout)
}

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("RULES_CACHE_TTL")
	os.Unsetenv("VALIDATION_BATCH_LIMIT")
	os.Unsetenv("TENANT_ID")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Validation.RulesTTL)
	assert.Equal(t, 50, cfg.Validation.BatchLimit)
	assert.Equal(t, "default", cfg.Validation.DefaultTenantID)
	assert.Equal(t, 7, cfg.Validation.TaskRetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.Validation.TaskStaleAfter)
	assert.Equal(t, 0.5, cfg.Validation.LowConfidenceThreshold)
	assert.Equal(t, "claimvalidation:", cfg.Redis.KeyPrefix)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("VALIDATION_WORKERS", "many")
	t.Setenv("LLM_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Validation.Workers)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
}

func TestLoad_RejectsNonPositiveBatchLimit(t *testing.T) {
	t.Setenv("VALIDATION_BATCH_LIMIT", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseConfig_URL(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "claims", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5433/claims?sslmode=disable", cfg.DatabaseURL())
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=claims sslmode=disable", cfg.DatabaseDSN())
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
}
