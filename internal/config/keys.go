package config

import "os"

// APIKeySource represents where a secret comes from.
type APIKeySource string

const (
	KeySourceEnv    APIKeySource = "env"
	KeySourceConfig APIKeySource = "config"
	KeySourceNone   APIKeySource = "none"
)

// KeyStatus represents the status of a secret.
type KeyStatus struct {
	Name   string       `json:"name"`
	Source APIKeySource `json:"source"`
	IsSet  bool         `json:"is_set"`
	Masked string       `json:"masked,omitempty"` // e.g., "sk-...abc"
}

// CheckAPIKeys returns the status of every secret fleetpilot uses.
func CheckAPIKeys(cfg *Config) []KeyStatus {
	return []KeyStatus{
		checkKey("Anthropic API Key", cfg.LLM.AnthropicKey, EnvPrefix+"_LLM_ANTHROPIC_KEY"),
		checkKey("OpenAI API Key", cfg.LLM.OpenAIKey, EnvPrefix+"_LLM_OPENAI_KEY"),
		checkKey("Fleet API Key", cfg.Fleet.APIKey, EnvPrefix+"_FLEET_API_KEY"),
	}
}

func checkKey(name, value, envVar string) KeyStatus {
	status := KeyStatus{
		Name:   name,
		IsSet:  value != "",
		Source: KeySourceNone,
	}
	if value == "" {
		return status
	}
	if os.Getenv(envVar) != "" {
		status.Source = KeySourceEnv
	} else {
		status.Source = KeySourceConfig
	}
	status.Masked = MaskKey(value)
	return status
}

// MaskKey masks a secret for display, showing only first 3 and last 3 chars.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:3] + "..." + key[len(key)-3:]
}

// Redacted returns a copy of cfg with every secret masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.LLM.AnthropicKey = maskIfSet(c.LLM.AnthropicKey)
	out.LLM.OpenAIKey = maskIfSet(c.LLM.OpenAIKey)
	out.Fleet.APIKey = maskIfSet(c.Fleet.APIKey)
	out.Analysis.NewsFeeds = append([]string(nil), c.Analysis.NewsFeeds...)
	out.API.CORSOrigins = append([]string(nil), c.API.CORSOrigins...)
	out.Events.Brokers = append([]string(nil), c.Events.Brokers...)
	return &out
}

func maskIfSet(key string) string {
	if key == "" {
		return ""
	}
	return MaskKey(key)
}
