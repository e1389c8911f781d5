package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

func vaultServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "s.token", r.Header.Get("X-Vault-Token"))
		assert.Equal(t, "/v1/secret/data/claims/api", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testConfig(addr string) VaultConfig {
	return VaultConfig{
		Enabled:   true,
		Addr:      addr,
		Token:     "s.token",
		Mount:     "secret",
		Path:      "claims/api",
		KVVersion: 2,
		Timeout:   time.Second,
	}
}

func TestApplyVaultSecrets(t *testing.T) {
	srv, _ := vaultServer(t, http.StatusOK,
		`{"data":{"data":{"LLM_API_KEY":"sk-test","DB_PASSWORD":"pw","REDIS_PASSWORD":"r","WORKERS":4},"metadata":{"version":3}}}`)

	t.Setenv("LLM_API_KEY", "")
	t.Setenv("DB_PASSWORD", "already-set")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("WORKERS", "")

	cfg := testConfig(srv.URL)
	cfg.Keys = []string{"LLM_API_KEY", "DB_PASSWORD", "WORKERS"}

	result, err := ApplyVaultSecrets(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Loaded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, "sk-test", os.Getenv("LLM_API_KEY"))
	assert.Equal(t, "already-set", os.Getenv("DB_PASSWORD"))
	assert.Equal(t, "4", os.Getenv("WORKERS"))
	assert.Empty(t, os.Getenv("REDIS_PASSWORD"))
}

func TestApplyVaultSecrets_Overwrite(t *testing.T) {
	srv, _ := vaultServer(t, http.StatusOK, `{"data":{"data":{"DB_PASSWORD":"rotated"}}}`)
	t.Setenv("DB_PASSWORD", "stale")

	cfg := testConfig(srv.URL)
	cfg.Overwrite = true

	_, err := ApplyVaultSecrets(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "rotated", os.Getenv("DB_PASSWORD"))
}

func TestApplyVaultSecrets_Errors(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		result, err := ApplyVaultSecrets(context.Background(), VaultConfig{})
		require.NoError(t, err)
		assert.False(t, result.Enabled)
	})

	t.Run("incomplete configuration", func(t *testing.T) {
		_, err := ApplyVaultSecrets(context.Background(), VaultConfig{Enabled: true, Addr: "http://vault"})
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		srv, calls := vaultServer(t, http.StatusForbidden, `{"errors":["permission denied"]}`)
		_, err := ApplyVaultSecrets(context.Background(), testConfig(srv.URL))
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("server errors are retried", func(t *testing.T) {
		srv, calls := vaultServer(t, http.StatusServiceUnavailable, `sealed`)
		_, err := ApplyVaultSecrets(context.Background(), testConfig(srv.URL))
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("missing kv v2 payload", func(t *testing.T) {
		srv, _ := vaultServer(t, http.StatusOK, `{"data":{"LLM_API_KEY":"flat"}}`)
		_, err := ApplyVaultSecrets(context.Background(), testConfig(srv.URL))
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
	})
}

func TestLoadVaultConfigFromEnv(t *testing.T) {
	t.Setenv("VAULT_ENABLED", "TRUE")
	t.Setenv("VAULT_ADDR", "http://vault:8200")
	t.Setenv("VAULT_TOKEN", "s.token")
	t.Setenv("VAULT_PATH", "claims/api")
	t.Setenv("VAULT_MOUNT", "")
	t.Setenv("VAULT_KV_VERSION", "1")
	t.Setenv("VAULT_TIMEOUT_MS", "250")
	t.Setenv("VAULT_KEYS", "LLM_API_KEY, DB_PASSWORD,")

	cfg := LoadVaultConfigFromEnv()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "secret", cfg.Mount)
	assert.Equal(t, 1, cfg.KVVersion)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, []string{"LLM_API_KEY", "DB_PASSWORD"}, cfg.Keys)
	assert.Equal(t, "http://vault:8200/v1/secret/claims/api", secretURL(cfg))
}
