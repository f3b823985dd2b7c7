// Package config loads and validates the server's immutable settings
// record (spec.md §3 "Settings", §6 "Configuration").
package config

import "time"

// Config is the read-only settings record shared by reference into every
// worker and connection context for the process lifetime.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Workers WorkersConfig `yaml:"workers"`
	Maildir MaildirConfig `yaml:"maildir"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig covers listener and session-level settings.
type ServerConfig struct {
	Address          string `yaml:"address"` // host or "" for wildcard
	Port             int    `yaml:"port"`
	BacklogSize      int    `yaml:"backlog_size"`
	Hostname         string `yaml:"hostname"`
	MaxInMessageSize int    `yaml:"max_in_message_size"`
	// TimeoutMS is the idle-connection timeout in milliseconds, per
	// spec.md §6 "timeout (i64 ms)".
	TimeoutMS int64 `yaml:"timeout"`
	Daemon    bool  `yaml:"daemon"`

	// Timeout is TimeoutMS as a time.Duration, derived by Load after
	// unmarshaling; every other package compares against this field
	// rather than converting TimeoutMS itself.
	Timeout time.Duration `yaml:"-"`
}

// WorkersConfig controls the size of the worker pool (spec.md
// workers_count).
type WorkersConfig struct {
	Count int `yaml:"count"`
}

// MaildirConfig locates the on-disk delivery root.
type MaildirConfig struct {
	Root string `yaml:"root"`
}

// LoggingConfig selects the logger sink's destination and the ambient
// slog handler's level/format.
type LoggingConfig struct {
	Path   string `yaml:"path"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns sane defaults for local development; production
// deployments are expected to override via the config file named on
// argv[1] (spec.md §6).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          "",
			Port:             2525,
			BacklogSize:      128,
			Hostname:         "localhost",
			MaxInMessageSize: 10 * 1024 * 1024,
			TimeoutMS:        300000,
			Timeout:          300000 * time.Millisecond,
			Daemon:           false,
		},
		Workers: WorkersConfig{
			Count: 4,
		},
		Maildir: MaildirConfig{
			Root: "/var/mail",
		},
		Logging: LoggingConfig{
			Path:   "/var/log/golubsmtpd.log",
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9110",
		},
	}
}
