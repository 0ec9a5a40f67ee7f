// Package vault stores and serves hosted provider credentials for the
// Plugin Composer's "hosted" provider choice (spec.md §4.9): when a
// plugin config names a capability as hosted rather than BYOK, the
// platform supplies the credential itself from here rather than the
// tenant's own key.
//
// Adapted from the gateway's own VaultClient
// (services/gateway/security/security.go in the teacher repo) — same
// HashiCorp Vault KV-v2 read/write shape and in-memory TTL cache, with
// the provider-API-key naming narrowed to the Plugin Composer's
// capability->credential lookup. The teacher file's mTLS transport,
// BYOK envelope-encryption hierarchy, and data-residency enforcer are
// not carried forward: nothing in this platform opens mutual-TLS
// connections between internal services, encrypts tenant data at rest
// under a per-tenant key, or restricts providers by data region — none
// of those are named anywhere in this system's scope.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Config mirrors the teacher's VaultConfig, trimmed to the fields a
// read-only credential lookup needs.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	Namespace  string
	RenewTTL   time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MountPath == "" {
		c.MountPath = "secret"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RenewTTL == 0 {
		c.RenewTTL = 5 * time.Minute
	}
	return c
}

type cachedSecret struct {
	value     map[string]string
	expiresAt time.Time
}

// Client reads hosted provider credentials from Vault's KV v2 engine,
// caching each path for Config.RenewTTL.
type Client struct {
	config Config
	http   *http.Client
	mu     sync.RWMutex
	cache  map[string]*cachedSecret
}

// New builds a Client. When cfg.Enabled is false, GetActiveCredential
// falls back to an environment variable named "<UPPER(vaultProvider)>_API_KEY" —
// the same dev-mode fallback the teacher's VaultClient.GetProviderKey used.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]*cachedSecret),
	}
}

// GetActiveCredential returns the active hosted credential value for
// vaultProvider (e.g. "openai", "elevenlabs") — the value the Plugin
// Composer writes into a plugin's env under the capability table's
// envKey.
func (c *Client) GetActiveCredential(ctx context.Context, vaultProvider string) (string, error) {
	if !c.config.Enabled {
		envKey := fmt.Sprintf("%s_API_KEY", strings.ToUpper(vaultProvider))
		if v := os.Getenv(envKey); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("vault: disabled and no env var %s", envKey)
	}

	path := fmt.Sprintf("providers/%s", vaultProvider)

	c.mu.RLock()
	if cached, ok := c.cache[path]; ok && time.Now().Before(cached.expiresAt) {
		c.mu.RUnlock()
		return cached.value["api_key"], nil
	}
	c.mu.RUnlock()

	secret, err := c.readSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", path, err)
	}
	apiKey, ok := secret["api_key"]
	if !ok {
		return "", fmt.Errorf("vault: no api_key field at %s", path)
	}

	c.mu.Lock()
	c.cache[path] = &cachedSecret{value: secret, expiresAt: time.Now().Add(c.config.RenewTTL)}
	c.mu.Unlock()

	return apiKey, nil
}

// InvalidateCache clears every cached secret, forcing the next read to
// hit Vault.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedSecret)
}

func (c *Client) readSecret(ctx context.Context, path string) (map[string]string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", c.config.Address, c.config.MountPath, path)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Vault-Token", c.config.Token)
		if c.config.Namespace != "" {
			req.Header.Set("X-Vault-Namespace", c.config.Namespace)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, fmt.Errorf("secret not found: %s", path)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("vault error (%d): %s", resp.StatusCode, string(body))
		}

		var result struct {
			Data struct {
				Data map[string]string `json:"data"`
			} `json:"data"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode secret: %w", decodeErr)
		}
		return result.Data.Data, nil
	}

	return nil, fmt.Errorf("vault read failed after %d retries: %w", c.config.MaxRetries, lastErr)
}
