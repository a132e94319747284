package googleauth

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildAuthorizationURL rebuilds a base authorization URL for the console
// consent round trip. The redirect_uri, access_type=offline and prompt=consent
// parameters end up in the result exactly once, replacing any values the base
// URL already carried. A scope parameter is only injected when the base URL has
// none.
func BuildAuthorizationURL(baseAuthURI, redirectURI string, scopes []string) (string, error) {
	if baseAuthURI == "" || !strings.HasPrefix(baseAuthURI, "http") {
		return "", fmt.Errorf("invalid base authorization URI: %q", baseAuthURI)
	}

	u, err := url.Parse(baseAuthURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse authorization URI: %w", err)
	}

	q := u.Query()
	q.Set("redirect_uri", redirectURI)
	q.Set("access_type", "offline") // request a refresh token
	q.Set("prompt", "consent")      // force the consent screen
	if _, ok := q["scope"]; !ok && len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseAuthResponse extracts the authorization code from a pasted redirect URL.
func ParseAuthResponse(authResponseURI string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(authResponseURI))
	if err != nil {
		return "", fmt.Errorf("failed to parse auth response URL: %w", err)
	}

	q := u.Query()
	if errCode := q.Get("error"); errCode != "" {
		return "", fmt.Errorf("authorization was denied: %s", errCode)
	}

	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("auth response URL contains no code parameter")
	}

	return code, nil
}
