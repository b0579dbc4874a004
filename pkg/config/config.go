// Package config loads sysopt's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zph/sysopt/pkg/paths"
	"gopkg.in/yaml.v3"
)

const (
	defaultShellTimeout = 300
	defaultHookTimeout  = 60
	defaultLockTimeout  = 60
)

// ShellConfig controls the shell collaborator
type ShellConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0"`
}

// HooksConfig holds commands run around a batch
type HooksConfig struct {
	BeforeBatch    string `yaml:"before_batch"`
	AfterBatch     string `yaml:"after_batch"`
	OnError        string `yaml:"on_error"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
}

// LockConfig controls the data-root lock
type LockConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes" validate:"gte=0"`
}

type Config struct {
	DataDir   string      `yaml:"data_dir"`
	LogLevel  string      `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string      `yaml:"log_format" validate:"omitempty,oneof=text json"`
	Shell     ShellConfig `yaml:"shell"`
	Hooks     HooksConfig `yaml:"hooks"`
	Lock      LockConfig  `yaml:"lock"`
}

func Default() *Config {
	root, err := paths.DefaultRoot()
	if err != nil {
		root = ".sysopt"
	}
	return &Config{
		DataDir:   root,
		LogLevel:  "info",
		LogFormat: "text",
		Shell:     ShellConfig{TimeoutSeconds: defaultShellTimeout},
		Hooks:     HooksConfig{TimeoutSeconds: defaultHookTimeout},
		Lock:      LockConfig{TimeoutMinutes: defaultLockTimeout},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	// Ensure defaults for zero values
	if cfg.DataDir == "" {
		cfg.DataDir = Default().DataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.Shell.TimeoutSeconds == 0 {
		cfg.Shell.TimeoutSeconds = defaultShellTimeout
	}
	if cfg.Hooks.TimeoutSeconds == 0 {
		cfg.Hooks.TimeoutSeconds = defaultHookTimeout
	}
	if cfg.Lock.TimeoutMinutes == 0 {
		cfg.Lock.TimeoutMinutes = defaultLockTimeout
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies SYSOPT_DATA_DIR and LOG_LEVEL
func (c *Config) ApplyEnv() {
	if dir := strings.TrimSpace(os.Getenv("SYSOPT_DATA_DIR")); dir != "" {
		c.DataDir = dir
	}
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.LogLevel = strings.ToLower(level)
	}
}

var validate = validator.New()

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Layout returns the on-disk layout under DataDir
func (c *Config) Layout() *paths.Layout {
	return paths.NewLayout(c.DataDir)
}

func (c *Config) ShellTimeout() time.Duration {
	return time.Duration(c.Shell.TimeoutSeconds) * time.Second
}

func (c *Config) HookTimeout() time.Duration {
	return time.Duration(c.Hooks.TimeoutSeconds) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMinutes) * time.Minute
}
