package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mcron/internal/config"
	"mcron/internal/host"
	"mcron/internal/runtime/supervisor"
	"mcron/internal/signals"
	logx "mcron/pkg/logx"
	"mcron/pkg/systemd"
)

// loadPath is the engine's module search path. Set at build time:
//
//	go build -ldflags "-X main.loadPath=/usr/share/mcron/?.lua" ./cmd/mcron
var loadPath = "/usr/local/share/mcron/?.lua;/usr/local/share/mcron/?/init.lua"

const (
	exitOK          = 0
	exitBootFailure = 2

	// configEnv optionally names a supervisor config file (json or yaml).
	configEnv = "MCRON_CONFIG"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	// Unconditional: an inherited LUA_PATH must not redirect the engine.
	if err := os.Setenv(host.LoadPathEnv, loadPath); err != nil {
		logx.NewConsole("error").Error("set module search path", logx.Err(err))
		return exitBootFailure
	}

	cfgm, cfg := loadConfig()
	logSvc, log := logx.NewService(cfg.Log())
	defer logSvc.Close()
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	sup := supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(log.With(logx.String("component", "supervisor"))))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	}()
	if cfgm.Path() != "" {
		watchConfig(sup, cfgm, logSvc, log)
	}

	grace, cleanup := signalTimeouts(cfg, log)
	h := host.New(
		host.WithLogger(log.With(logx.String("component", "host"))),
		host.WithSignalOptions(
			signals.WithLogger(log.With(logx.String("component", "signals"))),
			signals.WithSupervisor(sup),
			signals.WithGrace(grace),
			signals.WithCleanupTimeout(cleanup),
			signals.WithOnInstall(func() {
				notify(log, cfg, systemd.Ready)
				notify(log, cfg, func() (bool, error) { return systemd.Status("engine running") })
			}),
			signals.WithOnTerminate(func(os.Signal) { notify(log, cfg, systemd.Stopping) }),
		),
	)
	defer h.Close()

	if err := h.Boot(args); err != nil {
		if errors.Is(err, host.ErrTerminated) {
			return signals.ExitSignaled
		}
		log.Error("boot failed", logx.Err(err))
		return exitBootFailure
	}
	return exitOK
}

// loadConfig reads MCRON_CONFIG when set. A bad file is reported and the
// defaults are used; the supervisor must still start the engine.
func loadConfig() (*config.ConfigManager, *config.Config) {
	path := strings.TrimSpace(os.Getenv(configEnv))
	cfgm := config.NewConfigManager(path)
	if path == "" {
		return cfgm, config.Default()
	}

	cfg, err := cfgm.Load()
	if err != nil {
		logx.NewConsole("warn").Warn("config unusable; using defaults", logx.String("path", path), logx.Err(err))
		cfg = config.Default()
		cfgm.Commit(cfg)
	}
	return cfgm, cfg
}

// watchConfig re-applies logging settings when the config file changes.
// Signal and systemd settings take effect on the next start.
func watchConfig(sup *supervisor.Supervisor, cfgm *config.ConfigManager, logSvc *logx.Service, log logx.Logger) {
	updates := cfgm.Subscribe(1)
	sup.GoRestart("config.watch", cfgm.Watch, 250*time.Millisecond, 5*time.Second)
	sup.Go0("config.apply", func(ctx context.Context) {
		defer cfgm.Unsubscribe(updates)
		prev := cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				changed, attrs := config.SummarizeConfigChange(prev, cfg)
				prev = cfg
				if len(changed) == 0 {
					continue
				}
				if err := logSvc.Apply(cfg.Log()); err != nil {
					log.Warn("log file unavailable; using console", logx.Err(err))
				}
				log.Info("config reloaded", append(attrs, logx.Any("changed", changed))...)
				for _, section := range changed {
					if section != "logging" {
						log.Warn("config section applies on restart", logx.String("section", section))
					}
				}
			}
		}
	})
}

// signalTimeouts falls back to the defaults when the config holds
// unparsable durations. Loaded configs are validated, but the defaults
// path is not.
func signalTimeouts(cfg *config.Config, log logx.Logger) (grace, cleanup time.Duration) {
	grace, cleanup, err := cfg.Timeouts()
	if err != nil {
		log.Warn("invalid signal timeouts; using defaults", logx.Err(err))
		return config.DefaultGrace, config.DefaultCleanupTimeout
	}
	return grace, cleanup
}

func notify(log logx.Logger, cfg *config.Config, send func() (bool, error)) {
	if !cfg.Systemd.Notify {
		return
	}
	if _, err := send(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	}
}
