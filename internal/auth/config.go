package auth

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// AADConfig holds Azure AD authentication configuration.
type AADConfig struct {
	// TenantID is the Azure AD tenant ID (GUID or "common")
	TenantID string

	// ClientID is the application (client) ID from app registration
	ClientID string

	// Scopes are the permissions requested (e.g., ["https://org.crm.dynamics.com/.default"])
	Scopes []string

	// CacheLocation is the path for token cache storage (optional)
	CacheLocation string

	// Authority URL (optional, defaults to public cloud)
	Authority string
}

// Validate checks if the AAD configuration is valid.
func (c *AADConfig) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	if _, err := uuid.Parse(c.ClientID); err != nil {
		return fmt.Errorf("client ID must be a valid GUID: %w", err)
	}

	return nil
}

// GetAuthority returns the authority URL for the tenant.
func (c *AADConfig) GetAuthority() string {
	if c.Authority != "" {
		return c.Authority
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s", c.TenantID)
}

// GetDefaultScopes returns the default scope for a Dataverse environment:
// the org base URL plus /.default.
func (c *AADConfig) GetDefaultScopes(environmentURL string) []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}

	base := environmentURL
	if parsed, err := url.Parse(environmentURL); err == nil && parsed.Host != "" {
		base = parsed.Scheme + "://" + parsed.Host
	}

	return []string{base + "/.default"}
}
