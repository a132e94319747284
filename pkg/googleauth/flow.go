package googleauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Flow owns the Google OAuth2 configuration, the cached token and the
// authorization-code round trip.
type Flow struct {
	conf   *oauth2.Config
	store  *TokenStore
	logger zerolog.Logger
}

// FlowConfig configures a Flow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Store        *TokenStore
	Logger       zerolog.Logger
}

// NewFlow creates a Flow for the required Gmail and Calendar scopes.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client id and client secret are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}

	return &Flow{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       ScopeURLs(),
		},
		store:  cfg.Store,
		logger: cfg.Logger,
	}, nil
}

// AuthConfig returns the pending-authorization payload for this flow. The
// auth URI is a complete authorization URL so the consumer only has to apply
// the console-flow overrides.
func (f *Flow) AuthConfig() AuthConfig {
	return AuthConfig{
		AuthURI:     f.conf.AuthCodeURL("state"),
		TokenURI:    f.conf.Endpoint.TokenURL,
		ClientID:    f.conf.ClientID,
		Scopes:      f.conf.Scopes,
		RedirectURI: f.conf.RedirectURL,
	}
}

// AuthorizationURL builds the URL the user must open in a browser.
func (f *Flow) AuthorizationURL() (string, error) {
	return BuildAuthorizationURL(f.conf.AuthCodeURL("state"), f.conf.RedirectURL, f.conf.Scopes)
}

// ExchangeResponse exchanges a pasted redirect URL for a token and caches it.
func (f *Flow) ExchangeResponse(ctx context.Context, authResponseURI string) (*oauth2.Token, error) {
	code, err := ParseAuthResponse(authResponseURI)
	if err != nil {
		return nil, err
	}

	token, err := f.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange auth code: %w", err)
	}

	if err := f.store.Save(token); err != nil {
		return nil, err
	}

	f.logger.Info().Bool("refresh_token", token.RefreshToken != "").Msg("Google OAuth token stored")
	return token, nil
}

// HasToken reports whether a cached token exists.
func (f *Flow) HasToken() bool {
	return f.store.Has()
}

// ClearToken removes the cached token.
func (f *Flow) ClearToken() error {
	return f.store.Clear()
}

// TokenSource returns a refreshing token source for the cached token. When no
// token is cached the caller receives an AuthRequiredError.
func (f *Flow) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	token, err := f.store.Load()
	if err != nil {
		return nil, &AuthRequiredError{Config: f.AuthConfig()}
	}

	return f.conf.TokenSource(ctx, token), nil
}

// HTTPClient returns an HTTP client that injects bearer tokens. Google's
// endpoints intermittently reset HTTP/2 streams for large responses, so the
// transport sticks to HTTP/1.1.
func (f *Flow) HTTPClient(ctx context.Context) (*http.Client, error) {
	ts, err := f.TokenSource(ctx)
	if err != nil {
		return nil, err
	}

	client := oauth2.NewClient(ctx, ts)

	transport := client.Transport.(*oauth2.Transport)
	transport.Base = &http.Transport{
		ForceAttemptHTTP2: false,
	}

	return client, nil
}
