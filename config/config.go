// Package config loads js2wasm settings from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = ".js2wasm.yaml"

// Config holds build and update check settings. Command line flags take
// precedence over every field.
type Config struct {
	// Output is the module path written by a build.
	Output string `yaml:"output"`

	// Optimize forces the optimization stage on or off. Unset means the
	// platform default.
	Optimize *bool `yaml:"optimize,omitempty"`

	// WasmOpt is the binaryen wasm-opt binary. Empty looks it up on PATH.
	WasmOpt string `yaml:"wasm_opt,omitempty"`

	// Engine replaces the embedded runtime image.
	Engine string `yaml:"engine,omitempty"`

	// Cache enables the on-disk compilation cache.
	Cache bool `yaml:"cache"`

	// InheritEnv exposes the build environment to the engine during
	// initialization.
	InheritEnv bool `yaml:"inherit_env,omitempty"`

	// Mounts preopens host directories for the engine, as host:guest.
	Mounts []string `yaml:"mounts,omitempty"`

	// MemoryLimitPages caps engine memory in 64KiB pages. Zero keeps the
	// runtime default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages,omitempty"`

	UpdateCheck    bool   `yaml:"update_check"`
	ManifestURL    string `yaml:"manifest_url,omitempty"`
	UpdateTimeout  string `yaml:"update_timeout,omitempty"`
	UpdateInterval string `yaml:"update_interval,omitempty"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Output:        "index.wasm",
		Cache:         true,
		UpdateCheck:   true,
		UpdateTimeout: "5s",
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is reported with an error wrapping fs.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("JS2WASM_WASM_OPT"); path != "" {
		c.WasmOpt = path
	}
	if url := os.Getenv("JS2WASM_MANIFEST_URL"); url != "" {
		c.ManifestURL = url
	}
	if v := os.Getenv("JS2WASM_UPDATE_CHECK"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.UpdateCheck = enabled
		}
	}
}

// Validate checks field values.
func (c *Config) Validate() error {
	if c.Output == "" {
		return errors.New("output must not be empty")
	}
	for _, m := range c.Mounts {
		if m == "" || strings.HasPrefix(m, ":") {
			return fmt.Errorf("mounts: %q has no host directory", m)
		}
	}
	if err := validDuration("update_timeout", c.UpdateTimeout); err != nil {
		return err
	}
	return validDuration("update_interval", c.UpdateInterval)
}

func validDuration(key, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}

// GetUpdateTimeout returns the update check timeout, or zero when unset.
func (c *Config) GetUpdateTimeout() time.Duration {
	d, err := time.ParseDuration(c.UpdateTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetUpdateInterval returns the minimum time between update checks, or zero
// when unset.
func (c *Config) GetUpdateInterval() time.Duration {
	d, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		return 0
	}
	return d
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
