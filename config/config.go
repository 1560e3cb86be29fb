// Package config holds the daemon configuration, loaded from orbit.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbitbot/orbit-core/paths"
)

// Permission decisions for coder tool categories.
const (
	PolicyAllow = "allow"
	PolicyAsk   = "ask"
)

// Default decisions applied when an "ask" resolution times out.
const (
	AskDefaultDeny  = "deny"
	AskDefaultAllow = "allow"
)

// Defaults applied when fields are absent from the config file.
const (
	DefaultMaxServers           = 5
	DefaultServerStartupTimeout = 30 * time.Second
	DefaultHealthPollInterval   = 250 * time.Millisecond
	DefaultMaxRestartRetries    = 3
	DefaultAskTimeout           = 60 * time.Second
)

// PermissionTools is the set of tool categories the permission policy covers.
var PermissionTools = []string{"edit", "bash", "webfetch"}

// CoderConfig configures the directory-scoped coder server fleet.
type CoderConfig struct {
	BinaryPath           string            `yaml:"binary_path"`
	Enabled              bool              `yaml:"enabled"`
	MaxServers           int               `yaml:"max_servers,omitempty"`
	ServerStartupTimeout *Duration         `yaml:"server_startup_timeout,omitempty"`
	HealthPollInterval   *Duration         `yaml:"health_poll_interval,omitempty"`
	MaxRestartRetries    *int              `yaml:"max_restart_retries,omitempty"`
	Permissions          map[string]string `yaml:"permissions,omitempty"`
	AskTimeout           *Duration         `yaml:"ask_timeout,omitempty"`
	AskDefault           string            `yaml:"ask_default,omitempty"`
}

// Config holds the daemon configuration.
type Config struct {
	Coder CoderConfig `yaml:"coder"`
	Debug bool        `yaml:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Duration wraps time.Duration with YAML unmarshaling from human-readable
// strings like "30s", "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads the config from disk, or returns defaults if no file exists.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by Load and by tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.ensureInitialized()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized fills in nil maps after unmarshaling. Not thread-safe;
// only called from LoadFrom before the Config is shared across goroutines.
func (c *Config) ensureInitialized() {
	if c.Coder.Permissions == nil {
		c.Coder.Permissions = make(map[string]string)
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Coder.MaxServers < 0 {
		return fmt.Errorf("coder.max_servers must not be negative, got %d", c.Coder.MaxServers)
	}
	if c.Coder.MaxRestartRetries != nil && *c.Coder.MaxRestartRetries < 0 {
		return fmt.Errorf("coder.max_restart_retries must not be negative, got %d", *c.Coder.MaxRestartRetries)
	}

	for tool, decision := range c.Coder.Permissions {
		if !validPermissionTool(tool) {
			return fmt.Errorf("unknown permission tool %q (valid: edit, bash, webfetch)", tool)
		}
		if decision != PolicyAllow && decision != PolicyAsk {
			return fmt.Errorf("permission for %q must be %q or %q, got %q", tool, PolicyAllow, PolicyAsk, decision)
		}
	}

	switch c.Coder.AskDefault {
	case "", AskDefaultDeny, AskDefaultAllow:
	default:
		return fmt.Errorf("coder.ask_default must be %q or %q, got %q", AskDefaultDeny, AskDefaultAllow, c.Coder.AskDefault)
	}

	return nil
}

func validPermissionTool(tool string) bool {
	for _, t := range PermissionTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// CoderEnabled returns whether the coder worker backend is enabled.
func (c *Config) CoderEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Coder.Enabled
}

// CoderBinaryPath returns the coder binary path, defaulting to "coder" on PATH.
func (c *Config) CoderBinaryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.BinaryPath == "" {
		return "coder"
	}
	return c.Coder.BinaryPath
}

// MaxServers returns the server pool capacity, defaulting to DefaultMaxServers.
func (c *Config) MaxServers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.MaxServers <= 0 {
		return DefaultMaxServers
	}
	return c.Coder.MaxServers
}

// ServerStartupTimeout returns how long to wait for a spawned server to
// report healthy.
func (c *Config) ServerStartupTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.ServerStartupTimeout == nil || c.Coder.ServerStartupTimeout.Duration <= 0 {
		return DefaultServerStartupTimeout
	}
	return c.Coder.ServerStartupTimeout.Duration
}

// HealthPollInterval returns the interval between startup health probes.
func (c *Config) HealthPollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.HealthPollInterval == nil || c.Coder.HealthPollInterval.Duration <= 0 {
		return DefaultHealthPollInterval
	}
	return c.Coder.HealthPollInterval.Duration
}

// MaxRestartRetries returns the per-directory restart bound.
func (c *Config) MaxRestartRetries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.MaxRestartRetries == nil {
		return DefaultMaxRestartRetries
	}
	return *c.Coder.MaxRestartRetries
}

// PermissionPolicy returns the configured decision for a tool category,
// defaulting to PolicyAsk for unconfigured tools.
func (c *Config) PermissionPolicy(tool string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if decision, ok := c.Coder.Permissions[tool]; ok {
		return decision
	}
	return PolicyAsk
}

// SetPermissionPolicy sets the decision for a tool category.
func (c *Config) SetPermissionPolicy(tool, decision string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Coder.Permissions == nil {
		c.Coder.Permissions = make(map[string]string)
	}
	c.Coder.Permissions[tool] = decision
}

// AskTimeout returns how long an "ask" resolution may block before the
// default decision applies.
func (c *Config) AskTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.AskTimeout == nil || c.Coder.AskTimeout.Duration <= 0 {
		return DefaultAskTimeout
	}
	return c.Coder.AskTimeout.Duration
}

// AskDefault returns the decision applied when an "ask" resolution times
// out, defaulting to deny.
func (c *Config) AskDefault() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coder.AskDefault == "" {
		return AskDefaultDeny
	}
	return c.Coder.AskDefault
}

// DebugEnabled returns whether debug logging is enabled.
func (c *Config) DebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}
