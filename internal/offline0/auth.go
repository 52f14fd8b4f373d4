package offline0

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNoToken is returned by Auth implementations that hold no credentials.
var ErrNoToken = errors.New("auth: no token")

// Auth supplies bearer tokens for origin requests and replays.
type Auth interface {
	Token(ctx context.Context) (string, error)
	Logout()
}

// StaticAuth serves a fixed token until Logout.
type StaticAuth struct {
	mu    sync.RWMutex
	token string
}

func NewStaticAuth(token string) *StaticAuth {
	return &StaticAuth{token: token}
}

func (a *StaticAuth) Token(context.Context) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == "" {
		return "", ErrNoToken
	}
	return a.token, nil
}

// SetToken replaces the token, e.g. after the host logs in again.
func (a *StaticAuth) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *StaticAuth) Logout() { a.SetToken("") }

// OAuth2Auth fetches and refreshes tokens with the client credentials grant.
type OAuth2Auth struct {
	cfg clientcredentials.Config

	mu  sync.Mutex
	src oauth2.TokenSource
}

func NewOAuth2Auth(cfg clientcredentials.Config) *OAuth2Auth {
	return &OAuth2Auth{cfg: cfg}
}

func (a *OAuth2Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.src == nil {
		// the source outlives ctx; it refreshes on later calls
		a.src = oauth2.ReuseTokenSource(nil, a.cfg.TokenSource(context.WithoutCancel(ctx)))
	}
	src := a.src
	a.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("auth: fetch token: %w", err)
	}
	return tok.AccessToken, nil
}

// Logout drops the cached token; the next Token call fetches a new one.
func (a *OAuth2Auth) Logout() {
	a.mu.Lock()
	a.src = nil
	a.mu.Unlock()
}

func bearer(token string) string { return "Bearer " + token }
