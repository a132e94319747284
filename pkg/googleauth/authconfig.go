package googleauth

import (
	"encoding/json"
	"fmt"
)

// AuthConfig describes a pending authorization. It travels as JSON inside the
// request_credential function call emitted when a tool needs a token, and comes
// back with AuthResponseURI filled in by the user.
type AuthConfig struct {
	AuthURI         string   `json:"auth_uri"`
	TokenURI        string   `json:"token_uri"`
	ClientID        string   `json:"client_id"`
	Scopes          []string `json:"scopes"`
	RedirectURI     string   `json:"redirect_uri,omitempty"`
	AuthResponseURI string   `json:"auth_response_uri,omitempty"`
}

// AuthConfigFromArgs decodes an AuthConfig from function call arguments.
func AuthConfigFromArgs(args map[string]interface{}) (AuthConfig, error) {
	raw, ok := args["auth_config"]
	if !ok {
		return AuthConfig{}, fmt.Errorf("auth_config missing from function call args")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return AuthConfig{}, fmt.Errorf("failed to re-encode auth_config: %w", err)
	}

	var cfg AuthConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AuthConfig{}, fmt.Errorf("auth_config is not a valid auth config: %w", err)
	}

	if cfg.AuthURI == "" {
		return AuthConfig{}, fmt.Errorf("auth_config has no auth_uri")
	}

	return cfg, nil
}

// ToArgs encodes the AuthConfig for function call arguments.
func (c AuthConfig) ToArgs() map[string]interface{} {
	data, _ := json.Marshal(c)
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	return map[string]interface{}{"auth_config": m}
}

// AuthRequiredError signals that a tool cannot run until the user completes an
// OAuth consent round trip. It carries everything the caller needs to start one.
type AuthRequiredError struct {
	Config AuthConfig
}

func (e *AuthRequiredError) Error() string {
	return "authorization required: no valid Google OAuth token"
}
