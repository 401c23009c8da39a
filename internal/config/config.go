// Package config loads and represents the core's read-only configuration
// (spec §3 "Config"). Values come from a YAML file, overridable by the
// environment variables named in spec §6.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// UpstreamProxy describes an HTTP(S) proxy used for all outbound calls.
type UpstreamProxy struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
}

// Config is the schema exposed by GET/PUT /v1/settings (spec §3, §6).
type Config struct {
	// ModelVisibility maps a model identifier to whether it should be
	// counted when computing provider/account aggregates. Absent key means
	// visible.
	ModelVisibility map[string]bool `yaml:"model_visibility" json:"model_visibility"`

	ProviderGroupingsEnabled bool `yaml:"provider_groupings_enabled" json:"provider_groupings_enabled"`
	AutoSwitchEnabled        bool `yaml:"auto_switch_enabled" json:"auto_switch_enabled"`

	UpstreamProxy UpstreamProxy `yaml:"upstream_proxy" json:"upstream_proxy"`

	// RequestTimeoutSeconds is clamped to >= 1 by Normalize.
	RequestTimeoutSeconds int `yaml:"request_timeout" json:"request_timeout"`

	// InternalBaseURLs overrides the built-in upstream endpoint list (spec §4.8).
	InternalBaseURLs []string `yaml:"internal_base_urls" json:"internal_base_urls"`

	RequestUserAgent string `yaml:"request_user_agent" json:"request_user_agent"`

	// DataDir is where account documents and settings.json are persisted.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// ListenAddr is the address the proxy front door binds to.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogFile, when set, also writes rotated logs to this path.
	LogFile string `yaml:"log_file" json:"log_file"`
}

// envOverrides mirrors the subset of Config that spec §6 allows environment
// variables to override. PROXY_* names take priority; ANTIGRAVITY_* names
// are honored as legacy aliases for the base-url list.
type envOverrides struct {
	InternalBaseURLs     []string `env:"PROXY_INTERNAL_BASE_URLS" envSeparator:","`
	LegacyBaseURLs       []string `env:"ANTIGRAVITY_INTERNAL_BASE_URLS" envSeparator:","`
	RequestUserAgent     string   `env:"PROXY_REQUEST_USER_AGENT"`
}

// DefaultInternalBaseURLs is the built-in endpoint list used when neither
// config nor environment supplies one (spec §4.8 "Endpoints").
var DefaultInternalBaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

const DefaultRequestUserAgent = "antigravity-bridge/1.0"

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		ModelVisibility:       map[string]bool{},
		AutoSwitchEnabled:     true,
		RequestTimeoutSeconds: 30,
		InternalBaseURLs:      append([]string(nil), DefaultInternalBaseURLs...),
		RequestUserAgent:      DefaultRequestUserAgent,
		DataDir:               "./data",
		ListenAddr:            ":8317",
	}
}

// Load reads a YAML config file at path, applies environment overrides, and
// normalizes derived fields. A missing file is not an error: Default() is
// returned with only environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if len(cfg.InternalBaseURLs) == 0 {
		switch {
		case len(overrides.InternalBaseURLs) > 0:
			cfg.InternalBaseURLs = overrides.InternalBaseURLs
		case len(overrides.LegacyBaseURLs) > 0:
			cfg.InternalBaseURLs = overrides.LegacyBaseURLs
		}
	}
	if cfg.RequestUserAgent == "" && overrides.RequestUserAgent != "" {
		cfg.RequestUserAgent = overrides.RequestUserAgent
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps/derives fields per spec invariants: request_timeout >= 1,
// trailing slashes stripped from base URLs, and defaults filled where empty.
func (c *Config) Normalize() {
	if c.RequestTimeoutSeconds < 1 {
		c.RequestTimeoutSeconds = 1
	}
	if len(c.InternalBaseURLs) == 0 {
		c.InternalBaseURLs = append([]string(nil), DefaultInternalBaseURLs...)
	}
	for i, u := range c.InternalBaseURLs {
		c.InternalBaseURLs[i] = strings.TrimRight(u, "/")
	}
	if c.RequestUserAgent == "" {
		c.RequestUserAgent = DefaultRequestUserAgent
	}
	if c.ModelVisibility == nil {
		c.ModelVisibility = map[string]bool{}
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Timeout returns the per-attempt HTTP timeout (spec §4.8: "max(1, request_timeout)*1000ms").
func (c *Config) Timeout() time.Duration {
	seconds := c.RequestTimeoutSeconds
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// IsModelVisible reports whether model should count toward aggregates.
// Absent key means visible (spec §3).
func (c *Config) IsModelVisible(model string) bool {
	if c == nil || c.ModelVisibility == nil {
		return true
	}
	visible, ok := c.ModelVisibility[model]
	if !ok {
		return true
	}
	return visible
}

// Save writes cfg to path using the atomic rename-on-write helper.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
