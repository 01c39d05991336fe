package config

const (
	// FileName is the optional config file in the state root.
	FileName = "harness-config.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "HARNESS_"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LeaseSeconds:                    1800,
		LockTimeoutSeconds:              5,
		BootstrapScript:                 "init.sh",
		AgentType:                       "command",
		BootstrapTimeoutSeconds:         600,
		DefaultValidationTimeoutSeconds: 300,
		ValidationBreakerFailures:       3,
		LogLevel:                        "info",
		LogFormat:                       "console",
		HistoryDB:                       ".harness/history.db",
	}
}

// applyDefaults fills zero values left by the file and the environment.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = def.LeaseSeconds
	}
	if cfg.LockTimeoutSeconds <= 0 {
		cfg.LockTimeoutSeconds = def.LockTimeoutSeconds
	}
	if cfg.BootstrapScript == "" {
		cfg.BootstrapScript = def.BootstrapScript
	}
	if cfg.AgentType == "" {
		cfg.AgentType = def.AgentType
	}
	if cfg.BootstrapTimeoutSeconds <= 0 {
		cfg.BootstrapTimeoutSeconds = def.BootstrapTimeoutSeconds
	}
	if cfg.DefaultValidationTimeoutSeconds <= 0 {
		cfg.DefaultValidationTimeoutSeconds = def.DefaultValidationTimeoutSeconds
	}
	if cfg.ValidationBreakerFailures <= 0 {
		cfg.ValidationBreakerFailures = def.ValidationBreakerFailures
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = def.HistoryDB
	}
}
