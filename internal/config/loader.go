package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the config file named on argv[1]. A key
// missing from the file keeps its DefaultConfig value and is not
// reported; structurally invalid values (bad port, zero workers, ...)
// are fatal.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return nil, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Server.Timeout = time.Duration(cfg.Server.TimeoutMS) * time.Millisecond

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Server.BacklogSize <= 0 {
		return fmt.Errorf("backlog_size must be positive: %d", cfg.Server.BacklogSize)
	}
	if cfg.Server.Hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}
	if cfg.Server.MaxInMessageSize <= 0 {
		return fmt.Errorf("max_in_message_size must be positive: %d", cfg.Server.MaxInMessageSize)
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cfg.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1: %d", cfg.Workers.Count)
	}
	if cfg.Maildir.Root == "" {
		return fmt.Errorf("maildir root cannot be empty")
	}
	if cfg.Logging.Path == "" {
		return fmt.Errorf("logging path cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", cfg.Logging.Format)
	}

	return nil
}
