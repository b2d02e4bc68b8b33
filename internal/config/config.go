package config

import "strings"

// Config holds all configuration options for the Dataverse MCP server.
type Config struct {
	// Environment configuration
	EnvironmentURL string `mapstructure:"environment_url"`
	APIVersion     string `mapstructure:"api_version"`

	// Authentication
	AccessToken string `mapstructure:"access_token"` // Static bearer token
	AuthAAD     bool   `mapstructure:"auth_aad"`     // Azure AD device code / browser flow
	AADTenant   string `mapstructure:"aad_tenant"`
	AADClientID string `mapstructure:"aad_client_id"`
	AADScopes   string `mapstructure:"aad_scopes"`
	AADCache    string `mapstructure:"aad_cache"`
	AADBrowser  bool   `mapstructure:"aad_browser"`

	// Solution context (explicit, not ambient persisted state)
	SolutionUniqueName string `mapstructure:"solution"`
	SolutionFile       string `mapstructure:"solution_file"` // Optional marker file read at startup

	// Tool naming options
	ToolPrefix  string `mapstructure:"tool_prefix"`
	ToolPostfix string `mapstructure:"tool_postfix"`
	NoPostfix   bool   `mapstructure:"no_postfix"`

	// Entity filtering
	Entities        string   `mapstructure:"entities"`
	AllowedEntities []string // Parsed from Entities

	// Output and debugging
	Verbose       bool `mapstructure:"verbose"`
	Debug         bool `mapstructure:"debug"`
	Trace         bool `mapstructure:"trace"`
	VerboseErrors bool `mapstructure:"verbose_errors"`

	// Response size limits
	MaxResponseSize int `mapstructure:"max_response_size"`
	MaxItems        int `mapstructure:"max_items"`

	// Read-only mode: hide all modifying tools
	ReadOnly bool `mapstructure:"read_only"`

	// Hint configuration
	HintsFile string `mapstructure:"hints_file"`
	Hint      string `mapstructure:"hint"`
}

// HasStaticToken returns true if a static bearer token is configured.
func (c *Config) HasStaticToken() bool {
	return c.AccessToken != ""
}

// HasAADAuth returns true if AAD authentication is configured.
func (c *Config) HasAADAuth() bool {
	return c.AuthAAD
}

// UsePostfix returns true if tool postfix should be used instead of prefix.
func (c *Config) UsePostfix() bool {
	return !c.NoPostfix
}

// IsReadOnly returns true if read-only mode is enabled.
func (c *Config) IsReadOnly() bool {
	return c.ReadOnly
}

// GetAADScopes returns the parsed AAD scopes.
func (c *Config) GetAADScopes() []string {
	if c.AADScopes == "" {
		return []string{}
	}

	var scopes []string
	for _, scope := range strings.Split(c.AADScopes, ",") {
		scope = strings.TrimSpace(scope)
		if scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
