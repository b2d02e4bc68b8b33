package auth

import "context"

// TokenProvider supplies a bearer token for Web API requests. Implementations
// are responsible for refreshing expired tokens.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token supplied by the caller.
type StaticTokenProvider struct {
	AccessToken string
}

// Token implements TokenProvider.
func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return p.AccessToken, nil
}

// NoneProvider performs no authentication. Useful for tests against local
// mock servers.
type NoneProvider struct{}

// Token implements TokenProvider.
func (p *NoneProvider) Token(ctx context.Context) (string, error) {
	return "", nil
}
