package googleauth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestTokenStore(t *testing.T) {
	t.Run("should round trip a token", func(t *testing.T) {
		store := NewTokenStore(t.TempDir())

		token := &oauth2.Token{
			AccessToken:  "ya29.access",
			RefreshToken: "1//refresh",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour).Round(time.Second),
		}
		require.NoError(t, store.Save(token))
		assert.True(t, store.Has())

		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, token.AccessToken, loaded.AccessToken)
		assert.Equal(t, token.RefreshToken, loaded.RefreshToken)
	})

	t.Run("should write owner-only permissions", func(t *testing.T) {
		store := NewTokenStore(t.TempDir())
		require.NoError(t, store.Save(&oauth2.Token{AccessToken: "x"}))

		info, err := os.Stat(store.Path())
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("should error when no token is cached", func(t *testing.T) {
		store := NewTokenStore(t.TempDir())
		assert.False(t, store.Has())

		_, err := store.Load()
		assert.Error(t, err)
	})

	t.Run("should reject corrupt token files", func(t *testing.T) {
		dir := t.TempDir()
		store := NewTokenStore(dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "google.token"), []byte("not json"), 0600))

		_, err := store.Load()
		assert.Error(t, err)
	})

	t.Run("should clear tokens idempotently", func(t *testing.T) {
		store := NewTokenStore(t.TempDir())
		require.NoError(t, store.Save(&oauth2.Token{AccessToken: "x"}))
		require.NoError(t, store.Clear())
		assert.False(t, store.Has())
		assert.NoError(t, store.Clear())
	})
}

func TestFlowTokenSource(t *testing.T) {
	t.Run("should return AuthRequiredError without a token", func(t *testing.T) {
		store := NewTokenStore(t.TempDir())
		flow, err := NewFlow(FlowConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURI:  redirectURI,
			Store:        store,
		})
		require.NoError(t, err)

		_, err = flow.TokenSource(context.Background())
		require.Error(t, err)

		var authErr *AuthRequiredError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "client-id", authErr.Config.ClientID)
		assert.Equal(t, ScopeURLs(), authErr.Config.Scopes)
		assert.NotEmpty(t, authErr.Config.AuthURI)
	})

	t.Run("should require client credentials", func(t *testing.T) {
		_, err := NewFlow(FlowConfig{Store: NewTokenStore(t.TempDir())})
		assert.Error(t, err)
	})
}

func TestAuthConfigArgsRoundTrip(t *testing.T) {
	cfg := AuthConfig{
		AuthURI:     "https://accounts.google.com/o/oauth2/auth?client_id=abc",
		TokenURI:    "https://oauth2.googleapis.com/token",
		ClientID:    "abc",
		Scopes:      ScopeURLs(),
		RedirectURI: redirectURI,
	}

	args := cfg.ToArgs()
	decoded, err := AuthConfigFromArgs(args)
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)

	t.Run("should reject args without auth_config", func(t *testing.T) {
		_, err := AuthConfigFromArgs(map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("should reject malformed auth_config", func(t *testing.T) {
		_, err := AuthConfigFromArgs(map[string]interface{}{"auth_config": "nope"})
		assert.Error(t, err)
	})

	t.Run("should reject auth_config without auth_uri", func(t *testing.T) {
		_, err := AuthConfigFromArgs(map[string]interface{}{"auth_config": map[string]interface{}{"client_id": "x"}})
		assert.Error(t, err)
	})
}
