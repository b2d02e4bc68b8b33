package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "cache", "tokens.json")

	cache := NewTokenCache()
	cache.Put("tenant", "client", []string{"https://org.crm.dynamics.com/.default"}, CachedToken{
		AccessToken: "secret",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"https://org.crm.dynamics.com/.default"},
		TenantID:    "tenant",
		ClientID:    "client",
	})

	if err := cache.Save(cacheFile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(cacheFile)
	if err != nil {
		t.Fatalf("stat cache file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("cache file permissions = %o, want 0600", perm)
	}

	loaded, err := LoadTokenCache(cacheFile)
	if err != nil {
		t.Fatalf("LoadTokenCache() error = %v", err)
	}

	token, ok := loaded.Get("tenant", "client", []string{"https://org.crm.dynamics.com/.default"})
	if !ok {
		t.Fatal("expected cached token after reload")
	}
	if token.AccessToken != "secret" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "secret")
	}
}

func TestTokenCacheGet(t *testing.T) {
	scopes := []string{"scope"}

	tests := []struct {
		name       string
		token      CachedToken
		wantCached bool
	}{
		{
			name:       "valid token",
			token:      CachedToken{AccessToken: "ok", ExpiresAt: time.Now().Add(time.Hour)},
			wantCached: true,
		},
		{
			name:       "expired token",
			token:      CachedToken{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Hour)},
			wantCached: false,
		},
		{
			name:       "expiring within margin",
			token:      CachedToken{AccessToken: "soon", ExpiresAt: time.Now().Add(30 * time.Second)},
			wantCached: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewTokenCache()
			cache.Put("t", "c", scopes, tt.token)
			_, ok := cache.Get("t", "c", scopes)
			if ok != tt.wantCached {
				t.Errorf("Get() cached = %v, want %v", ok, tt.wantCached)
			}
		})
	}
}

func TestLoadTokenCacheMissingFile(t *testing.T) {
	cache, err := LoadTokenCache(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadTokenCache() error = %v", err)
	}
	if len(cache.Tokens) != 0 {
		t.Errorf("expected empty cache, got %d entries", len(cache.Tokens))
	}
}

func TestAADConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  AADConfig
		wantErr bool
	}{
		{
			name:   "valid",
			config: AADConfig{TenantID: "common", ClientID: "51f81489-12ee-4a9e-aaae-a2591f45987d"},
		},
		{
			name:    "missing tenant",
			config:  AADConfig{ClientID: "51f81489-12ee-4a9e-aaae-a2591f45987d"},
			wantErr: true,
		},
		{
			name:    "missing client",
			config:  AADConfig{TenantID: "common"},
			wantErr: true,
		},
		{
			name:    "malformed client id",
			config:  AADConfig{TenantID: "common", ClientID: "not-a-guid"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetDefaultScopes(t *testing.T) {
	cfg := AADConfig{TenantID: "common", ClientID: "51f81489-12ee-4a9e-aaae-a2591f45987d"}

	scopes := cfg.GetDefaultScopes("https://org.crm.dynamics.com")
	if len(scopes) != 1 || scopes[0] != "https://org.crm.dynamics.com/.default" {
		t.Errorf("GetDefaultScopes() = %v", scopes)
	}

	scopes = cfg.GetDefaultScopes("https://org.crm.dynamics.com/api/data/v9.2")
	if len(scopes) != 1 || scopes[0] != "https://org.crm.dynamics.com/.default" {
		t.Errorf("GetDefaultScopes() with path = %v", scopes)
	}

	cfg.Scopes = []string{"custom/.default"}
	scopes = cfg.GetDefaultScopes("https://org.crm.dynamics.com")
	if len(scopes) != 1 || scopes[0] != "custom/.default" {
		t.Errorf("GetDefaultScopes() with explicit scopes = %v", scopes)
	}
}
