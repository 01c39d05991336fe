package config

import "time"

// Config is the harness configuration. Every field can be set in
// harness-config.yaml or through a HARNESS_<KEY> environment variable.
type Config struct {
	WorkerID  string `koanf:"worker_id"`  // claimed_by in concurrent mode; never generated
	StateRoot string `koanf:"state_root"` // Explicit state root; otherwise discovered

	LeaseSeconds       int    `koanf:"lease_seconds"`
	LockTimeoutSeconds int    `koanf:"lock_timeout_seconds"`
	LockDir            string `koanf:"lock_dir"`   // Defaults to the OS temp dir
	LockToken          string `koanf:"lock_token"` // Session lock inherited from a parent run

	BootstrapScript                 string `koanf:"bootstrap_script"` // Relative to the state root
	BootstrapTimeoutSeconds         int    `koanf:"bootstrap_timeout_seconds"`
	AgentType                       string `koanf:"agent_type"`    // command, claude, codex or goose
	AgentCommand                    string `koanf:"agent_command"` // Shell command for agent_type=command
	AgentModel                      string `koanf:"agent_model"`
	AgentProvider                   string `koanf:"agent_provider"` // goose only
	AgentTimeoutSeconds             int    `koanf:"agent_timeout_seconds"`
	DefaultValidationTimeoutSeconds int    `koanf:"default_validation_timeout_seconds"`
	ValidationBreakerFailures       int    `koanf:"validation_breaker_failures"`

	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"` // console or json
	MetricsTextfile string `koanf:"metrics_textfile"`
	HistoryDB       string `koanf:"history_db"` // Relative to the state root
}

// Lease returns the claim lease duration.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// LockTimeout returns how long a transaction waits for the lock.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// BootstrapTimeout returns the bootstrap script deadline.
func (c *Config) BootstrapTimeout() time.Duration {
	return time.Duration(c.BootstrapTimeoutSeconds) * time.Second
}

// ValidationTimeout returns the timeout for tasks that do not set one.
func (c *Config) ValidationTimeout() time.Duration {
	return time.Duration(c.DefaultValidationTimeoutSeconds) * time.Second
}

// AgentTimeout bounds one agent run. Zero means no limit.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}
