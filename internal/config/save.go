package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
)

// Save writes cfg as harness-config.yaml in root.
// The worker id, state root and lock token are per-process and never written.
func Save(cfg *Config, root string) error {
	m := map[string]interface{}{
		"lease_seconds":                      cfg.LeaseSeconds,
		"lock_timeout_seconds":               cfg.LockTimeoutSeconds,
		"bootstrap_script":                   cfg.BootstrapScript,
		"bootstrap_timeout_seconds":          cfg.BootstrapTimeoutSeconds,
		"default_validation_timeout_seconds": cfg.DefaultValidationTimeoutSeconds,
		"validation_breaker_failures":        cfg.ValidationBreakerFailures,
		"log_level":                          cfg.LogLevel,
		"log_format":                         cfg.LogFormat,
		"history_db":                         cfg.HistoryDB,
		"agent_type":                         cfg.AgentType,
	}
	if cfg.AgentTimeoutSeconds > 0 {
		m["agent_timeout_seconds"] = cfg.AgentTimeoutSeconds
	}
	for key, val := range map[string]string{
		"lock_dir":         cfg.LockDir,
		"agent_command":    cfg.AgentCommand,
		"agent_model":      cfg.AgentModel,
		"agent_provider":   cfg.AgentProvider,
		"metrics_textfile": cfg.MetricsTextfile,
	} {
		if val != "" {
			m[key] = val
		}
	}

	data, err := yaml.Parser().Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", root, err)
	}
	path := filepath.Join(root, FileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
