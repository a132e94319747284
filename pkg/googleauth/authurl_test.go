package googleauth

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redirectURI = "http://localhost:8000/callback"

func queryOf(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query()
}

func TestBuildAuthorizationURL(t *testing.T) {
	base := "https://accounts.google.com/o/oauth2/auth?client_id=abc&response_type=code&scope=email"

	t.Run("should force console flow parameters", func(t *testing.T) {
		got, err := BuildAuthorizationURL(base, redirectURI, nil)
		require.NoError(t, err)

		q := queryOf(t, got)
		assert.Equal(t, []string{redirectURI}, q["redirect_uri"])
		assert.Equal(t, []string{"offline"}, q["access_type"])
		assert.Equal(t, []string{"consent"}, q["prompt"])
	})

	t.Run("should inject parameters exactly once when already present", func(t *testing.T) {
		crowded := base + "&redirect_uri=http%3A%2F%2Fother&access_type=online&prompt=none&prompt=select_account"

		got, err := BuildAuthorizationURL(crowded, redirectURI, nil)
		require.NoError(t, err)

		q := queryOf(t, got)
		assert.Equal(t, []string{redirectURI}, q["redirect_uri"])
		assert.Equal(t, []string{"offline"}, q["access_type"])
		assert.Equal(t, []string{"consent"}, q["prompt"])
	})

	t.Run("should keep an existing scope parameter", func(t *testing.T) {
		got, err := BuildAuthorizationURL(base, redirectURI, []string{"other-scope"})
		require.NoError(t, err)

		q := queryOf(t, got)
		assert.Equal(t, []string{"email"}, q["scope"])
	})

	t.Run("should inject scopes when missing", func(t *testing.T) {
		bare := "https://accounts.google.com/o/oauth2/auth?client_id=abc"

		got, err := BuildAuthorizationURL(bare, redirectURI, ScopeURLs())
		require.NoError(t, err)

		q := queryOf(t, got)
		require.Len(t, q["scope"], 1)
		for _, scope := range ScopeURLs() {
			assert.Contains(t, q.Get("scope"), scope)
		}
	})

	t.Run("should preserve unrelated parameters", func(t *testing.T) {
		got, err := BuildAuthorizationURL(base, redirectURI, nil)
		require.NoError(t, err)

		q := queryOf(t, got)
		assert.Equal(t, "abc", q.Get("client_id"))
		assert.Equal(t, "code", q.Get("response_type"))
	})

	t.Run("should reject non-http base URIs", func(t *testing.T) {
		_, err := BuildAuthorizationURL("", redirectURI, nil)
		assert.Error(t, err)

		_, err = BuildAuthorizationURL("not-a-url", redirectURI, nil)
		assert.Error(t, err)
	})
}

func TestFlowAuthorizationURL(t *testing.T) {
	store := NewTokenStore(t.TempDir())
	flow, err := NewFlow(FlowConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  redirectURI,
		Store:        store,
	})
	require.NoError(t, err)

	got, err := flow.AuthorizationURL()
	require.NoError(t, err)

	q := queryOf(t, got)

	// every configured scope appears in the final URL
	for _, scope := range ScopeURLs() {
		assert.Contains(t, q.Get("scope"), scope)
	}

	assert.Equal(t, []string{redirectURI}, q["redirect_uri"])
	assert.Equal(t, []string{"offline"}, q["access_type"])
	assert.Equal(t, []string{"consent"}, q["prompt"])
	assert.True(t, strings.HasPrefix(got, "https://accounts.google.com/"))
}

func TestParseAuthResponse(t *testing.T) {
	t.Run("should extract the code", func(t *testing.T) {
		code, err := ParseAuthResponse(redirectURI + "?state=state&code=4/0AdQt8qh&scope=email")
		require.NoError(t, err)
		assert.Equal(t, "4/0AdQt8qh", code)
	})

	t.Run("should trim surrounding whitespace", func(t *testing.T) {
		code, err := ParseAuthResponse("  " + redirectURI + "?code=abc \n")
		require.NoError(t, err)
		assert.Equal(t, "abc", code)
	})

	t.Run("should surface provider errors", func(t *testing.T) {
		_, err := ParseAuthResponse(redirectURI + "?error=access_denied")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access_denied")
	})

	t.Run("should reject URLs without a code", func(t *testing.T) {
		_, err := ParseAuthResponse(redirectURI + "?state=state")
		assert.Error(t, err)
	})
}
