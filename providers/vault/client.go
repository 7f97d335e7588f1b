// Package vault binds the credential subsystem to HashiCorp Vault: a KV v2
// secretstore.Backend and a Transit envelope.KMS.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/reliability"
)

// ClientConfig selects the Vault server and how to authenticate.
type ClientConfig struct {
	Address   string
	Namespace string

	// Token is used as is. Otherwise RoleID and SecretID perform an AppRole
	// login.
	Token    string
	RoleID   string
	SecretID string

	// Timeout bounds each HTTP request. Retries are left to the caller.
	Timeout time.Duration
}

// ClientConfigFromEnvironment reads VAULT_ADDR, VAULT_NAMESPACE, VAULT_TOKEN,
// VAULT_ROLE_ID and VAULT_SECRET_ID.
func ClientConfigFromEnvironment() ClientConfig {
	return ClientConfig{
		Address:   os.Getenv("VAULT_ADDR"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Token:     os.Getenv("VAULT_TOKEN"),
		RoleID:    os.Getenv("VAULT_ROLE_ID"),
		SecretID:  os.Getenv("VAULT_SECRET_ID"),
	}
}

// NewClient creates an authenticated Vault client.
//
// Authentication priority:
//  1. Token, if set
//  2. AppRole login with RoleID and SecretID
//  3. otherwise a configuration error
func NewClient(ctx context.Context, cfg ClientConfig) (*api.Client, error) {
	if cfg.Address == "" {
		return nil, credvault.NewConfigurationError("vault.address", "VAULT_ADDR is required")
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.MaxRetries = 0
	if cfg.Timeout > 0 {
		config.Timeout = cfg.Timeout
	}
	config.HttpClient.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", credvault.NewBackendUnavailableError("vault", err))
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		return client, nil
	}

	if cfg.RoleID != "" && cfg.SecretID != "" {
		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to login with AppRole: %w", translate(err))
		}
		if resp == nil || resp.Auth == nil {
			return nil, fmt.Errorf("%w: no auth info returned from AppRole login", credvault.ErrSecurity)
		}
		client.SetToken(resp.Auth.ClientToken)
		return client, nil
	}

	return nil, credvault.NewConfigurationError("vault.auth",
		"no Vault authentication method configured (set VAULT_TOKEN or VAULT_ROLE_ID+VAULT_SECRET_ID)")
}

// translate maps Vault client errors onto the credvault taxonomy. Transport
// failures, 408, 429 and the gateway 5xx responses are retryable. 401 and 403
// are configuration problems. Anything else passes through.
func translate(err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case reliability.IsRetryableStatusCode(respErr.StatusCode):
			return credvault.NewBackendUnavailableError("vault", err)
		case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: vault denied the request: %w", credvault.ErrConfiguration, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return credvault.NewBackendUnavailableError("vault", err)
}

func responseMentions(err error, fragment string) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, e := range respErr.Errors {
		if strings.Contains(e, fragment) {
			return true
		}
	}
	return false
}
