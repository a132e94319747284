package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main deskmate configuration
type Config struct {
	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Google OAuth and tool specs
	Google GoogleConfig `json:"google" mapstructure:"google"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelsConfig holds model selection. The router answers and delegates;
// the tool model drives the Gmail and Calendar agents.
type ModelsConfig struct {
	Router string `json:"router" mapstructure:"router"`
	Tool   string `json:"tool" mapstructure:"tool"`
}

// GoogleConfig holds the Google OAuth client and toolset settings
type GoogleConfig struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
	RedirectURI  string `json:"redirect_uri" mapstructure:"redirect_uri"`
	SpecDir      string `json:"spec_dir" mapstructure:"spec_dir"`
	Timezone     string `json:"timezone" mapstructure:"timezone"`
	WatchSpecs   bool   `json:"watch_specs" mapstructure:"watch_specs"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // gemini, openai, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Router: "gemini-2.5-pro",
			Tool:   "gemini-2.5-flash",
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Google: GoogleConfig{
			RedirectURI: "http://localhost:8000/callback",
			SpecDir:     "api_specs",
			Timezone:    "Asia/Colombo",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		validProviders := []string{"gemini", "openai", "anthropic"}
		valid := false
		for _, vp := range validProviders {
			if profile.Provider == vp {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: gemini, openai, anthropic)", profile.ID, profile.Provider)
		}
	}

	if c.Models.Router == "" {
		return fmt.Errorf("models.router is required")
	}
	if c.Models.Tool == "" {
		return fmt.Errorf("models.tool is required")
	}

	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return fmt.Errorf("google client_id and client_secret are required (set DESKMATE_GOOGLE_CLIENT_ID / DESKMATE_GOOGLE_CLIENT_SECRET or the config file)")
	}
	if c.Google.RedirectURI == "" {
		return fmt.Errorf("google redirect_uri is required")
	}

	return nil
}
