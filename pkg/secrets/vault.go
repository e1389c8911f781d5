// Package secrets copies credentials such as LLM_API_KEY and DB_PASSWORD
// from a Vault KV engine into the process environment before configuration
// is loaded.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
	"github.com/zatekoja/claimvalidation/pkg/retry"
)

// VaultConfig describes where the service secrets live
type VaultConfig struct {
	Enabled   bool
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Path      string
	KVVersion int
	Timeout   time.Duration
	// Overwrite replaces variables that are already set
	Overwrite bool
	// Keys restricts which secrets are exported. Empty exports all of them.
	Keys []string
}

// VaultResult reports what ApplyVaultSecrets did
type VaultResult struct {
	Enabled bool
	Path    string
	Loaded  int
	Skipped int
}

// LoadVaultConfigFromEnv reads the VAULT_* variables
func LoadVaultConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Enabled:   strings.EqualFold(os.Getenv("VAULT_ENABLED"), "true"),
		Addr:      os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Mount:     "secret",
		Path:      os.Getenv("VAULT_PATH"),
		KVVersion: 2,
		Timeout:   5 * time.Second,
		Overwrite: strings.EqualFold(os.Getenv("VAULT_OVERWRITE"), "true"),
	}
	if v := os.Getenv("VAULT_MOUNT"); v != "" {
		cfg.Mount = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_KV_VERSION")); err == nil {
		cfg.KVVersion = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_TIMEOUT_MS")); err == nil && v > 0 {
		cfg.Timeout = time.Duration(v) * time.Millisecond
	}
	for _, key := range strings.Split(os.Getenv("VAULT_KEYS"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			cfg.Keys = append(cfg.Keys, key)
		}
	}
	return cfg
}

// ApplyVaultSecrets fetches the secret at cfg.Path and exports its fields as
// environment variables. It is a no-op when Vault is disabled.
func ApplyVaultSecrets(ctx context.Context, cfg VaultConfig) (VaultResult, error) {
	result := VaultResult{Enabled: cfg.Enabled, Path: cfg.Path}
	if !cfg.Enabled {
		return result, nil
	}
	if cfg.Addr == "" || cfg.Token == "" || cfg.Path == "" {
		return result, apperrors.NewValidationError("vault configuration incomplete (VAULT_ADDR, VAULT_TOKEN, VAULT_PATH)")
	}

	data, err := fetch(ctx, cfg)
	if err != nil {
		return result, err
	}

	allowed := make(map[string]bool, len(cfg.Keys))
	for _, key := range cfg.Keys {
		allowed[key] = true
	}

	for key, value := range data {
		if len(allowed) > 0 && !allowed[key] {
			continue
		}
		if !cfg.Overwrite && os.Getenv(key) != "" {
			result.Skipped++
			continue
		}
		if err := os.Setenv(key, stringify(value)); err != nil {
			return result, apperrors.NewInternalError("failed to export secret "+key, err)
		}
		result.Loaded++
	}

	log.Info().Str("path", cfg.Path).Int("loaded", result.Loaded).Int("skipped", result.Skipped).Msg("vault secrets applied")
	return result, nil
}

func fetch(ctx context.Context, cfg VaultConfig) (map[string]any, error) {
	url := secretURL(cfg)
	client := &http.Client{Timeout: cfg.Timeout}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.MaxTotalTimeout = 3 * cfg.Timeout

	var body []byte
	err := retry.DoWithLog(ctx, retryCfg, "Vault", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("X-Vault-Token", cfg.Token)
		if cfg.Namespace != "" {
			req.Header.Set("X-Vault-Namespace", cfg.Namespace)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("vault returned %s", resp.Status)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.Permanent(fmt.Errorf("vault returned %s: %s", resp.Status, strings.TrimSpace(string(body))))
		}
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("vault fetch failed")
	})
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read secrets from vault", err)
	}

	var payload struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.NewExternalError("invalid vault response", err)
	}
	if payload.Data == nil {
		return nil, apperrors.NewExternalError("vault response has no data", nil)
	}
	if cfg.KVVersion == 1 {
		return payload.Data, nil
	}
	// KV v2 nests the secret under data.data next to its metadata.
	inner, ok := payload.Data["data"].(map[string]any)
	if !ok {
		return nil, apperrors.NewExternalError("vault response has no data for KV v2", nil)
	}
	return inner, nil
}

func secretURL(cfg VaultConfig) string {
	addr := strings.TrimRight(cfg.Addr, "/")
	mount := strings.Trim(cfg.Mount, "/")
	path := strings.TrimLeft(cfg.Path, "/")
	if cfg.KVVersion == 1 {
		return fmt.Sprintf("%s/v1/%s/%s", addr, mount, path)
	}
	return fmt.Sprintf("%s/v1/%s/data/%s", addr, mount, path)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
