package config

import (
	"time"

	logx "mcron/pkg/logx"
)

// Config is the supervisor's own configuration. It never describes jobs;
// the scheduler engine reads its crontabs by itself.
//
// Example (yaml):
//
//	logging:
//	  level: debug
//	  console: true
//	signals:
//	  grace: 2s
//	  cleanup_timeout: 5s
//	systemd:
//	  notify: true
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Signals SignalsConfig `json:"signals"`
	Systemd SystemdConfig `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SignalsConfig tunes the termination sequence.
//
// All durations are Go duration strings (e.g. "500ms", "2s").
//
// Defaults (when fields are omitted/zero):
//   - grace: "2s"
//   - cleanup_timeout: "5s"
type SignalsConfig struct {
	// Grace is how long to wait for the engine to stop running before the
	// run-file cleanup proceeds anyway.
	Grace string `json:"grace,omitempty"`
	// CleanupTimeout bounds the delete_run_file call.
	CleanupTimeout string `json:"cleanup_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify enables sd_notify READY/STOPPING messages. It is a no-op
	// when NOTIFY_SOCKET is unset.
	Notify bool `json:"notify"`
}

const (
	DefaultGrace          = 2 * time.Second
	DefaultCleanupTimeout = 5 * time.Second
)

// Default returns the config used when MCRON_CONFIG is unset.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Systemd: SystemdConfig{Notify: true},
	}
}

// Log converts the logging section into a logx config.
func (c *Config) Log() logx.Config {
	if c == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// Timeouts returns the parsed signal durations with defaults applied.
func (c *Config) Timeouts() (grace, cleanup time.Duration, err error) {
	if c == nil {
		return DefaultGrace, DefaultCleanupTimeout, nil
	}
	grace, err = ParseDurationOrDefault("signals.grace", c.Signals.Grace, DefaultGrace)
	if err != nil {
		return 0, 0, err
	}
	cleanup, err = ParseDurationOrDefault("signals.cleanup_timeout", c.Signals.CleanupTimeout, DefaultCleanupTimeout)
	if err != nil {
		return 0, 0, err
	}
	return grace, cleanup, nil
}

// Validate checks fields that can't be expressed by the decoder.
func (c *Config) Validate() error {
	_, _, err := c.Timeouts()
	return err
}
