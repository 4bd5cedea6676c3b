package config

import (
	"strings"

	logx "mcron/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and log fields
// describing their new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Signals.Grace) != strings.TrimSpace(newCfg.Signals.Grace) ||
		strings.TrimSpace(oldCfg.Signals.CleanupTimeout) != strings.TrimSpace(newCfg.Signals.CleanupTimeout) {
		changed = append(changed, "signals")
		attrs = append(attrs,
			logx.String("signals.grace", strings.TrimSpace(newCfg.Signals.Grace)),
			logx.String("signals.cleanup_timeout", strings.TrimSpace(newCfg.Signals.CleanupTimeout)),
		)
	}

	if oldCfg.Systemd.Notify != newCfg.Systemd.Notify {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	return changed, attrs
}
