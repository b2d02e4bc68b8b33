package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TokenCache provides optional file-based token caching between runs.
type TokenCache struct {
	Tokens map[string]CachedToken `json:"tokens"`
}

// CachedToken represents a cached AAD token.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes"`
	TenantID    string    `json:"tenant_id"`
	ClientID    string    `json:"client_id"`
}

// NewTokenCache returns an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{Tokens: make(map[string]CachedToken)}
}

// LoadTokenCache loads tokens from a cache file. An empty path or a missing
// file yields an empty cache, not an error.
func LoadTokenCache(cacheFile string) (*TokenCache, error) {
	if cacheFile == "" {
		return NewTokenCache(), nil
	}

	data, err := os.ReadFile(cacheFile)
	if err != nil {
		if os.IsNotExist(err) {
			return NewTokenCache(), nil
		}
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}

	var cache TokenCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse token cache: %w", err)
	}
	if cache.Tokens == nil {
		cache.Tokens = make(map[string]CachedToken)
	}

	return &cache, nil
}

// Save writes the cache to disk with owner-only permissions. A no-op when no
// cache file is configured.
func (c *TokenCache) Save(cacheFile string) error {
	if cacheFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cacheFile), 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}

	if err := os.WriteFile(cacheFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}

	return nil
}

// Get returns a still-valid cached token for the tenant/client/scope triple.
func (c *TokenCache) Get(tenantID, clientID string, scopes []string) (CachedToken, bool) {
	token, ok := c.Tokens[cacheKey(tenantID, clientID, scopes)]
	if !ok {
		return CachedToken{}, false
	}
	// Leave a one-minute margin so a token never expires mid-request
	if token.ExpiresAt.Before(time.Now().Add(time.Minute)) {
		return CachedToken{}, false
	}
	return token, true
}

// Put stores a token for the tenant/client/scope triple.
func (c *TokenCache) Put(tenantID, clientID string, scopes []string, token CachedToken) {
	c.Tokens[cacheKey(tenantID, clientID, scopes)] = token
}

func cacheKey(tenantID, clientID string, scopes []string) string {
	return tenantID + "|" + clientID + "|" + strings.Join(scopes, " ")
}
