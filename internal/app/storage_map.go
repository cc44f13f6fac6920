package app

import (
	"path/filepath"
	"strings"

	"smsgateway/internal/api"
	"smsgateway/internal/config"
	"smsgateway/internal/maintenance"
	"smsgateway/internal/observability/pprof"
	"smsgateway/internal/sender"
	"smsgateway/internal/storage"
	"smsgateway/internal/transport/telegram"
	logx "smsgateway/pkg/logx"
)

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.BusyTimeout,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	tg := cfg.Alerts.Telegram
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    tg.Enabled,
			MinLevel:   tg.MinLevel,
			RatePerSec: tg.RatePerSec,
		},
	}
}

func mapSenderConfig(cfg *config.Config, d config.Durations) sender.Config {
	return sender.Config{
		PollInterval:   d.PollInterval,
		SendTimeout:    d.SendTimeout,
		CorrelationTTL: d.CorrelationTTL,
		CorrelationMax: cfg.Sender.CorrelationMax,
		LoopbackNumber: cfg.Sender.Loopback(),
		LoopbackDelay:  d.LoopbackDelay,
	}
}

func mapAPITimeouts(d config.Durations) api.Timeouts {
	return api.Timeouts{
		Read:     d.ReadTimeout,
		Write:    d.WriteTimeout,
		Idle:     d.IdleTimeout,
		Shutdown: d.ShutdownTimeout,
	}
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, maintenance.Specs) {
	m := cfg.Maintenance
	return maintenance.Config{Timezone: m.Timezone},
		maintenance.Specs{CorrelationSweep: m.CorrelationSweep, StatusReport: m.StatusReport}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	tg := cfg.Alerts.Telegram
	return telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID}
}

// applyOverrides folds command line paths into the file config.
func applyOverrides(cfg *config.Config, o Options) {
	if o.DBFile != "" {
		cfg.Storage.Path = o.DBFile
		if d := strings.ToLower(cfg.Storage.Driver); d == "postgres" || d == "postgresql" || d == "memory" || d == "mem" {
			cfg.Storage.Driver = "sqlite"
		}
	}
	if o.LogDir != "" {
		cfg.Logging.File.Enabled = true
		cfg.Logging.File.Path = filepath.Join(o.LogDir, "main.log")
	}
	if o.Debug {
		cfg.Logging.Level = "debug"
	}
}

func mapDebug(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{Enabled: d.Enabled, Addr: d.Addr, Token: d.Token, AllowInsecure: d.AllowInsecure}
}
