// Package config handles configuration loading for fleetpilot.
// It supports YAML config files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FLEETPILOT_FLEET_API_KEY.
const EnvPrefix = "FLEETPILOT"

// Config represents the complete application configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"       yaml:"llm"`
	Market    MarketConfig    `mapstructure:"market"    yaml:"market"`
	Fleet     FleetConfig     `mapstructure:"fleet"     yaml:"fleet"`
	Refresh   RefreshConfig   `mapstructure:"refresh"   yaml:"refresh"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"  yaml:"timeouts"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"  yaml:"analysis"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Events    EventsConfig    `mapstructure:"events"    yaml:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// LLMConfig holds AI language-model provider configuration.
type LLMConfig struct {
	Primary          string  `mapstructure:"primary"            yaml:"primary"` // "anthropic" or "openai"
	AnthropicKey     string  `mapstructure:"anthropic_key"      yaml:"anthropic_key"`
	AnthropicBaseURL string  `mapstructure:"anthropic_base_url" yaml:"anthropic_base_url"`
	OpenAIKey        string  `mapstructure:"openai_key"         yaml:"openai_key"`
	OpenAIBaseURL    string  `mapstructure:"openai_base_url"    yaml:"openai_base_url"`
	Model            string  `mapstructure:"model"              yaml:"model"`
	FallbackModel    string  `mapstructure:"fallback_model"     yaml:"fallback_model"`
	Temperature      float64 `mapstructure:"temperature"        yaml:"temperature"`
	MaxTokens        int     `mapstructure:"max_tokens"         yaml:"max_tokens"`
	MaxRetries       int     `mapstructure:"max_retries"        yaml:"max_retries"`
}

// MarketConfig points at the market-data service (prices, inventory).
type MarketConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// FleetConfig points at the fleet-control and site-provisioning service.
type FleetConfig struct {
	BaseURL   string  `mapstructure:"base_url"   yaml:"base_url"`
	APIKey    string  `mapstructure:"api_key"    yaml:"api_key"`
	SiteName  string  `mapstructure:"site_name"  yaml:"site_name"`
	SitePower float64 `mapstructure:"site_power" yaml:"site_power"` // watts available to the site
}

// RefreshConfig controls the background bulk load.
type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// TimeoutConfig bounds every external call.
type TimeoutConfig struct {
	Market time.Duration `mapstructure:"market" yaml:"market"`
	Fleet  time.Duration `mapstructure:"fleet"  yaml:"fleet"`
	AI     time.Duration `mapstructure:"ai"     yaml:"ai"`
}

// AnalysisConfig holds analysis prompt settings.
type AnalysisConfig struct {
	MaxMiners int           `mapstructure:"max_miners" yaml:"max_miners"`
	NewsFeeds []string      `mapstructure:"news_feeds" yaml:"news_feeds"`
	NewsLimit int           `mapstructure:"news_limit" yaml:"news_limit"`
	NewsTTL   time.Duration `mapstructure:"news_ttl"   yaml:"news_ttl"`
}

// ExecutionConfig holds execution safety settings.
type ExecutionConfig struct {
	EnforceMinerCeiling bool `mapstructure:"enforce_miner_ceiling" yaml:"enforce_miner_ceiling"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

// EventsConfig enables the audit event stream. No brokers means events are logged only.
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic"   yaml:"topic"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"   yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.fleetpilot/config.yaml (home directory)
//  3. /etc/fleetpilot/config.yaml (system)
//
// Environment variables override config file values.
// Format: FLEETPILOT_<SECTION>_<KEY>, e.g., FLEETPILOT_LLM_ANTHROPIC_KEY
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".fleetpilot"))
	v.AddConfigPath("/etc/fleetpilot")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	overrideFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// LLM defaults
	v.SetDefault("llm.primary", "anthropic")
	v.SetDefault("llm.anthropic_key", "")
	v.SetDefault("llm.anthropic_base_url", "")
	v.SetDefault("llm.openai_key", "")
	v.SetDefault("llm.openai_base_url", "")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.fallback_model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_retries", 0)

	// External services
	v.SetDefault("market.base_url", "http://localhost:9000")
	v.SetDefault("fleet.base_url", "http://localhost:9000")
	v.SetDefault("fleet.api_key", "")
	v.SetDefault("fleet.site_name", "")
	v.SetDefault("fleet.site_power", 1000000)

	// Refresh and timeouts
	v.SetDefault("refresh.interval", "5m")
	v.SetDefault("timeouts.market", "10s")
	v.SetDefault("timeouts.fleet", "15s")
	v.SetDefault("timeouts.ai", "90s")

	// Analysis defaults
	v.SetDefault("analysis.max_miners", 50)
	v.SetDefault("analysis.news_feeds", []string{})
	v.SetDefault("analysis.news_limit", 5)
	v.SetDefault("analysis.news_ttl", "15m")

	// Execution defaults (ceiling stays advisory)
	v.SetDefault("execution.enforce_miner_ceiling", false)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Events and metrics
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "fleetpilot.audit")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "fleetpilot")
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Primary {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: llm.primary must be anthropic or openai, got %q", c.LLM.Primary)
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("config: refresh.interval must be positive, got %s", c.Refresh.Interval)
	}
	if c.Timeouts.Market <= 0 || c.Timeouts.Fleet <= 0 || c.Timeouts.AI <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.Analysis.MaxMiners <= 0 {
		return fmt.Errorf("config: analysis.max_miners must be positive, got %d", c.Analysis.MaxMiners)
	}
	return nil
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// overrideFromEnv explicitly reads sensitive keys from environment variables.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv(EnvPrefix + "_LLM_ANTHROPIC_KEY"); key != "" {
		cfg.LLM.AnthropicKey = key
	}
	if key := os.Getenv(EnvPrefix + "_LLM_OPENAI_KEY"); key != "" {
		cfg.LLM.OpenAIKey = key
	}
	if key := os.Getenv(EnvPrefix + "_FLEET_API_KEY"); key != "" {
		cfg.Fleet.APIKey = key
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
