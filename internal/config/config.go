// Package config provides configuration management for the Kiro gateway server.
// It handles loading and parsing the JSON configuration file and provides
// structured access to application settings including listen address, upstream
// region, proxy configuration, rate limits, and history management knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config represents the application's configuration, loaded from a JSON file.
// Field names follow the camelCase convention of the configuration file.
type Config struct {
	// Host is the listen address for the HTTP server.
	Host string `json:"host"`

	// Port is the listen port for the HTTP server.
	Port int `json:"port"`

	// APIKey authenticates clients on the Anthropic-compatible endpoints.
	// When empty those endpoints are unavailable until a key is configured.
	APIKey string `json:"apiKey,omitempty"`

	// AdminAPIKey enables the admin API when non-empty. An empty or
	// whitespace-only value is treated as unset so a blank key can never
	// bypass authentication.
	AdminAPIKey string `json:"adminApiKey,omitempty"`

	// Region is the default AWS region for upstream calls and usage limits.
	Region string `json:"region"`

	// KiroVersion is the client version reported to the Social refresh
	// endpoint via the User-Agent header.
	KiroVersion string `json:"kiroVersion"`

	// MachineID identifies this installation in the Social refresh
	// User-Agent. Generated per deployment.
	MachineID string `json:"machineId,omitempty"`

	// ProfileArn is the default CodeWhisperer profile ARN for social auth.
	ProfileArn string `json:"profileArn,omitempty"`

	// ProxyURL is an optional outbound proxy (http, https or socks5).
	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	// Session cache knobs for sticky credential sessions.
	SessionCacheCapacity   int `json:"sessionCacheCapacity"`
	SessionCacheTTLSeconds int `json:"sessionCacheTtlSeconds"`

	// Rate limit knobs. Zero disables the corresponding bucket.
	RateLimit RateLimitConfig `json:"rateLimit"`

	// History management knobs.
	History HistoryConfig `json:"history"`

	// External token counting service. When unset token counts are
	// estimated locally.
	CountTokensAPIURL   string `json:"countTokensApiUrl,omitempty"`
	CountTokensAPIKey   string `json:"countTokensApiKey,omitempty"`
	CountTokensAuthType string `json:"countTokensAuthType,omitempty"`

	// HealthCheckIntervalSeconds controls the background credential health
	// sweep. Zero disables it.
	HealthCheckIntervalSeconds int `json:"healthCheckIntervalSeconds"`

	// RequestLog enables verbose request logging.
	RequestLog bool `json:"requestLog,omitempty"`

	// LoggingFile, when set, routes logs to a rotating file instead of
	// stderr.
	LoggingFile string `json:"loggingFile,omitempty"`
}

// RateLimitConfig holds the two-tier fixed-window rate limit settings.
type RateLimitConfig struct {
	GlobalPerMinute int `json:"globalPerMinute"`
	GlobalPerHour   int `json:"globalPerHour"`
	PerKeyPerMinute int `json:"perKeyPerMinute"`
	PerKeyPerHour   int `json:"perKeyPerHour"`
}

// HistoryConfig holds conversation history management settings.
type HistoryConfig struct {
	// Enabled toggles history management entirely.
	Enabled bool `json:"enabled"`

	// TokenThreshold is the estimated token count above which truncation
	// kicks in.
	TokenThreshold int `json:"tokenThreshold"`

	// KeepMessages is how many trailing messages survive truncation.
	KeepMessages int `json:"keepMessages"`

	// ImagePlaceholder replaces image blocks in historical messages with a
	// text marker.
	ImagePlaceholder bool `json:"imagePlaceholder"`

	// AISummary enables summarisation of truncated history. Currently
	// falls back to plain truncation.
	AISummary bool `json:"aiSummary,omitempty"`
}

// Default file locations used when no flags are given. Both live under a
// config/ directory next to the binary.
const (
	DefaultConfigPath      = "config/config.json"
	DefaultCredentialsPath = "config/credentials.json"
)

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Host:                       "127.0.0.1",
		Port:                       8080,
		Region:                     "us-east-1",
		KiroVersion:                "0.8.0",
		SessionCacheCapacity:       10000,
		SessionCacheTTLSeconds:     3600,
		HealthCheckIntervalSeconds: 300,
		RateLimit: RateLimitConfig{
			GlobalPerMinute: 60,
			GlobalPerHour:   1000,
			PerKeyPerMinute: 30,
			PerKeyPerHour:   500,
		},
		History: HistoryConfig{
			Enabled:          true,
			TokenThreshold:   100000,
			KeepMessages:     20,
			ImagePlaceholder: true,
		},
	}
}

// Load reads and parses the configuration file at path. Missing fields keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration back to path, pretty-printed.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration and returns every problem found rather
// than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, fmt.Errorf("host must not be empty"))
	}
	if strings.TrimSpace(c.Region) == "" {
		errs = append(errs, fmt.Errorf("region must not be empty"))
	}
	if strings.TrimSpace(c.KiroVersion) == "" {
		errs = append(errs, fmt.Errorf("kiroVersion must not be empty"))
	}
	if c.SessionCacheCapacity < 0 {
		errs = append(errs, fmt.Errorf("sessionCacheCapacity must not be negative, got %d", c.SessionCacheCapacity))
	}
	if c.SessionCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("sessionCacheTtlSeconds must not be negative, got %d", c.SessionCacheTTLSeconds))
	}
	if c.RateLimit.GlobalPerMinute < 0 || c.RateLimit.GlobalPerHour < 0 ||
		c.RateLimit.PerKeyPerMinute < 0 || c.RateLimit.PerKeyPerHour < 0 {
		errs = append(errs, fmt.Errorf("rate limit values must not be negative"))
	}
	if c.History.Enabled {
		if c.History.TokenThreshold <= 0 {
			errs = append(errs, fmt.Errorf("history.tokenThreshold must be positive, got %d", c.History.TokenThreshold))
		}
		if c.History.KeepMessages <= 0 {
			errs = append(errs, fmt.Errorf("history.keepMessages must be positive, got %d", c.History.KeepMessages))
		}
	}
	if c.ProxyURL != "" {
		lower := strings.ToLower(c.ProxyURL)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "socks5://") {
			errs = append(errs, fmt.Errorf("proxyUrl must start with http://, https:// or socks5://"))
		}
	}
	return errs
}

// AdminEnabled reports whether the admin API should be mounted.
func (c *Config) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminAPIKey) != ""
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
