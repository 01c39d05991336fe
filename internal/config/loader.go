package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load reads configuration for a state root.
//
// Order of precedence (highest to lowest): HARNESS_* environment variables,
// <root>/harness-config.yaml, defaults. A missing file is not an error;
// malformed YAML is. root may be empty when the state root is not known yet,
// in which case only the environment is read.
func Load(root string) (*Config, error) {
	k := koanf.New(".")

	if root != "" {
		if err := loadFile(k, filepath.Join(root, FileName)); err != nil {
			return nil, err
		}
	}

	// HARNESS_LEASE_SECONDS -> lease_seconds
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	switch c.AgentType {
	case "command", "claude", "codex", "goose":
	default:
		return fmt.Errorf("agent_type must be command, claude, codex or goose, got %q", c.AgentType)
	}
	if c.AgentTimeoutSeconds < 0 {
		return fmt.Errorf("agent_timeout_seconds must not be negative")
	}
	if c.LeaseSeconds < 1 {
		return fmt.Errorf("lease_seconds must be positive")
	}
	return nil
}
