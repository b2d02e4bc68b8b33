package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/browser"
)

// authenticateBrowser performs the OAuth2 authorization code flow with PKCE
// against a loopback redirect. MSAL's device code flow is the default; this
// flow exists for environments where typing a device code is inconvenient.
func (a *AADAuthProvider) authenticateBrowser(ctx context.Context, scopes []string, cacheKey string) (*AADToken, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start local server: %w", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d/callback", port)

	codeVerifier := generateCodeVerifier()
	codeChallenge := generateCodeChallenge(codeVerifier)
	authURL := buildAuthURL(a.config, redirectURI, scopes, codeChallenge)

	if a.verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] Authorization URL: %s\n", authURL)
	}

	authCode := make(chan string, 1)
	authError := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			errMsg := r.URL.Query().Get("error_description")
			if errMsg == "" {
				errMsg = r.URL.Query().Get("error")
			}
			authError <- fmt.Errorf("authentication failed: %s", errMsg)
			fmt.Fprintf(w, htmlErrorPage, errMsg)
			return
		}

		authCode <- code
		fmt.Fprint(w, htmlSuccessPage)
	})

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			authError <- err
		}
	}()
	defer server.Close()

	fmt.Fprintln(os.Stderr, "\n=== Azure AD Authentication ===")
	fmt.Fprintln(os.Stderr, "Opening your browser for authentication...")
	fmt.Fprintf(os.Stderr, "If the browser doesn't open, visit:\n%s\n", authURL)

	if err := browser.OpenURL(authURL); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open browser: %v\n", err)
	}

	var authorizationCode string
	select {
	case authorizationCode = <-authCode:
	case err := <-authError:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authentication timeout")
	}

	token, err := a.exchangeCodeForToken(ctx, authorizationCode, redirectURI, codeVerifier, scopes)
	if err != nil {
		return nil, err
	}

	a.storeToken(cacheKey, token.AccessToken, token.ExpiresAt, scopes)

	fmt.Fprintln(os.Stderr, "Authentication successful!")
	return token, nil
}

// exchangeCodeForToken exchanges an authorization code for an access token.
func (a *AADAuthProvider) exchangeCodeForToken(ctx context.Context, code, redirectURI, codeVerifier string, scopes []string) (*AADToken, error) {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", a.config.TenantID)

	data := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {a.config.ClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
		"scope":         {strings.Join(scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error != "" {
			return nil, fmt.Errorf("token exchange error: %s - %s", errorResp.Error, errorResp.ErrorDescription)
		}
		return nil, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		Scope       string `json:"scope"`
	}

	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}

	return &AADToken{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Scopes:      scopes,
	}, nil
}

func buildAuthURL(config *AADConfig, redirectURI string, scopes []string, codeChallenge string) string {
	params := url.Values{
		"client_id":             {config.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"response_mode":         {"query"},
		"scope":                 {strings.Join(scopes, " ")},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}

	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize?%s",
		config.TenantID, params.Encode())
}

func generateCodeVerifier() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func generateCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

const htmlSuccessPage = `<!DOCTYPE html>
<html>
<head>
    <title>Authentication Successful</title>
</head>
<body>
    <h1>Authentication Successful</h1>
    <p>You can close this window and return to the terminal.</p>
    <script>setTimeout(function() { window.close(); }, 2000);</script>
</body>
</html>`

const htmlErrorPage = `<!DOCTYPE html>
<html>
<head>
    <title>Authentication Failed</title>
</head>
<body>
    <h1>Authentication Failed</h1>
    <p>There was an error during authentication.</p>
    <pre>%s</pre>
</body>
</html>`
