package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var knownDrivers = map[string]bool{
	"sqlite": true, "sqlite3": true, "file": true,
	"postgres": true, "postgresql": true, "memory": true, "mem": true,
}

var knownLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate reports every structural problem in cfg. Cron specs are checked
// by the scheduler when it registers them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.ParseDurations(); err != nil {
		errs = append(errs, err)
	}
	if !knownLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver != "" && !knownDrivers[driver] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if (driver == "postgres" || driver == "postgresql" || driver == "file") && strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path: required for driver %q", driver))
	}

	if cfg.Sender.CorrelationMax < 0 {
		errs = append(errs, errors.New("sender.correlation_max: must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	tg := cfg.Alerts.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("alerts.telegram.token: required when enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("alerts.telegram.chat_id: required when enabled"))
		}
	}
	if !knownLevels[strings.ToLower(strings.TrimSpace(tg.MinLevel))] {
		errs = append(errs, fmt.Errorf("alerts.telegram.min_level: unknown level %q", tg.MinLevel))
	}
	if dbg := cfg.Debug; dbg.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(dbg.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}
