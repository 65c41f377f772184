// Package vault fetches exchange credentials from a HashiCorp Vault KV v2
// secret engine, with an environment fallback when Vault is disabled.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"

	"upbit-trading-bot/config"
)

// Credentials are the Upbit API key pair used to sign requests.
type Credentials struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Client reads credentials from Vault. When Vault is disabled it falls back
// to UPBIT_ACCESS_KEY / UPBIT_SECRET_KEY from the environment, which keeps
// local development working without a Vault server.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a Vault client. With cfg.Enabled false no connection is
// attempted.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// ExchangeCredentials returns the Upbit key pair, cached after the first
// successful read.
func (c *Client) ExchangeCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	creds, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

func (c *Client) load(ctx context.Context) (*Credentials, error) {
	if !c.cfg.Enabled {
		creds := &Credentials{
			AccessKey: os.Getenv("UPBIT_ACCESS_KEY"),
			SecretKey: os.Getenv("UPBIT_SECRET_KEY"),
		}
		if creds.AccessKey == "" || creds.SecretKey == "" {
			return nil, fmt.Errorf("vault disabled and UPBIT_ACCESS_KEY/UPBIT_SECRET_KEY not set")
		}
		return creds, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read exchange credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", path)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := &Credentials{
		AccessKey: getString(data, "access_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("secret at %s missing access_key or secret_key", path)
	}
	return creds, nil
}

// StoreExchangeCredentials writes the key pair, used by the operator rotation
// endpoint. The cache is refreshed on success.
func (c *Client) StoreExchangeCredentials(ctx context.Context, creds Credentials) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("vault disabled, credentials are environment-managed")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"access_key": creds.AccessKey,
			"secret_key": creds.SecretKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		return fmt.Errorf("store exchange credentials: %w", err)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return nil
}

// InvalidateCache forces the next read to hit Vault again.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled reports whether the client talks to a real Vault server.
func (c *Client) IsEnabled() bool { return c.cfg.Enabled }

// Health checks the Vault connection and seal status.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
