package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"
)

// AADAuthProvider handles Azure AD authentication for Dataverse.
type AADAuthProvider struct {
	config       *AADConfig
	msalClient   public.Client
	cachedTokens map[string]*AADToken // Cache by scope
	fileCache    *TokenCache
	useBrowser   bool
	verbose      bool
	mu           sync.Mutex
}

// AADToken represents an AAD access token with metadata.
type AADToken struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// NewAADAuthProvider creates a new AAD authentication provider.
func NewAADAuthProvider(config *AADConfig, useBrowser, verbose bool) (*AADAuthProvider, error) {
	clientOptions := []public.Option{
		public.WithAuthority(config.GetAuthority()),
	}

	client, err := public.New(config.ClientID, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MSAL client: %w", err)
	}

	fileCache, err := LoadTokenCache(config.CacheLocation)
	if err != nil {
		// A corrupt cache file is not fatal, just start fresh
		if verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Ignoring unreadable token cache: %v\n", err)
		}
		fileCache = NewTokenCache()
	}

	return &AADAuthProvider{
		config:       config,
		msalClient:   client,
		cachedTokens: make(map[string]*AADToken),
		fileCache:    fileCache,
		useBrowser:   useBrowser,
		verbose:      verbose,
	}, nil
}

// Token implements TokenProvider. It returns a cached token when still
// valid, refreshes silently when possible, and only falls back to an
// interactive flow when both fail.
func (a *AADAuthProvider) Token(ctx context.Context) (string, error) {
	token, err := a.Authenticate(ctx, a.config.Scopes)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Authenticate acquires a token for the given scopes.
func (a *AADAuthProvider) Authenticate(ctx context.Context, scopes []string) (*AADToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cacheKey := strings.Join(scopes, " ")

	// In-memory cache first
	if cached, ok := a.cachedTokens[cacheKey]; ok && cached.ExpiresAt.After(time.Now().Add(time.Minute)) {
		return cached, nil
	}

	// File cache next
	if cached, ok := a.fileCache.Get(a.config.TenantID, a.config.ClientID, scopes); ok {
		token := &AADToken{AccessToken: cached.AccessToken, ExpiresAt: cached.ExpiresAt, Scopes: scopes}
		a.cachedTokens[cacheKey] = token
		if a.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Using cached AAD token (expires: %s)\n", cached.ExpiresAt.Format(time.RFC3339))
		}
		return token, nil
	}

	// Try silent acquisition via the MSAL account cache
	accounts, err := a.msalClient.Accounts(ctx)
	if err == nil && len(accounts) > 0 {
		result, err := a.msalClient.AcquireTokenSilent(ctx, scopes, public.WithSilentAccount(accounts[0]))
		if err == nil {
			token := a.storeToken(cacheKey, result.AccessToken, result.ExpiresOn, scopes)
			if a.verbose {
				fmt.Fprintf(os.Stderr, "[VERBOSE] Acquired AAD token silently\n")
			}
			return token, nil
		}
	}

	if a.useBrowser {
		return a.authenticateBrowser(ctx, scopes, cacheKey)
	}
	return a.authenticateDeviceCode(ctx, scopes, cacheKey)
}

// authenticateDeviceCode performs the device code flow. Prompts go to stderr
// so stdout stays clean for the MCP stdio transport.
func (a *AADAuthProvider) authenticateDeviceCode(ctx context.Context, scopes []string, cacheKey string) (*AADToken, error) {
	deviceCode, err := a.msalClient.AcquireTokenByDeviceCode(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate device code flow: %w", err)
	}

	fmt.Fprintln(os.Stderr, "\n=== Azure AD Authentication Required ===")
	fmt.Fprintf(os.Stderr, "To sign in, use a web browser to open the page %s\n", deviceCode.Result.VerificationURL)
	fmt.Fprintf(os.Stderr, "Enter the code: %s\n", deviceCode.Result.UserCode)
	fmt.Fprintln(os.Stderr, "Waiting for authentication...")
	fmt.Fprintln(os.Stderr, "=======================================")

	result, err := deviceCode.AuthenticationResult(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code authentication failed: %w", err)
	}

	if a.verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] AAD authentication successful. Token expires: %s\n", result.ExpiresOn.Format(time.RFC3339))
	}

	return a.storeToken(cacheKey, result.AccessToken, result.ExpiresOn, scopes), nil
}

// storeToken caches a token in memory and, when configured, on disk.
func (a *AADAuthProvider) storeToken(cacheKey, accessToken string, expiresOn time.Time, scopes []string) *AADToken {
	token := &AADToken{
		AccessToken: accessToken,
		ExpiresAt:   expiresOn,
		Scopes:      scopes,
	}
	a.cachedTokens[cacheKey] = token

	a.fileCache.Put(a.config.TenantID, a.config.ClientID, scopes, CachedToken{
		AccessToken: accessToken,
		ExpiresAt:   expiresOn,
		Scopes:      scopes,
		TenantID:    a.config.TenantID,
		ClientID:    a.config.ClientID,
	})
	if err := a.fileCache.Save(a.config.CacheLocation); err != nil && a.verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] Failed to save token cache: %v\n", err)
	}

	return token
}

// ClearCache clears all cached tokens.
func (a *AADAuthProvider) ClearCache(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cachedTokens = make(map[string]*AADToken)
	a.fileCache = NewTokenCache()

	accounts, err := a.msalClient.Accounts(ctx)
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if err := a.msalClient.RemoveAccount(ctx, account); err != nil && a.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Failed to remove account from cache: %v\n", err)
		}
	}

	return nil
}
