package config

import (
	"strings"

	logx "smsgateway/pkg/logx"
)

// Section names returned by SummarizeConfigChange.
const (
	SectionLogging     = "logging"
	SectionStorage     = "storage"
	SectionSender      = "sender"
	SectionMaintenance = "maintenance"
	SectionAlerts      = "alerts"
	SectionAPI         = "api"
	SectionDebug       = "debug"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets (bot token, postgres DSN) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost.Driver != nst.Driver || ost.Path != nst.Path || ost.BusyTimeout != nst.BusyTimeout || ost.StopsOnExit() != nst.StopsOnExit() {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_changed", ost.Path != nst.Path),
		)
	}

	if !senderEqual(oldCfg.Sender, newCfg.Sender) {
		changed = append(changed, SectionSender)
		attrs = append(attrs,
			logx.String("sender.poll_interval", newCfg.Sender.PollInterval),
			logx.String("sender.correlation_ttl", newCfg.Sender.CorrelationTTL),
			logx.Int("sender.correlation_max", newCfg.Sender.CorrelationMax),
			logx.String("sender.loopback_number", newCfg.Sender.Loopback()),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, SectionMaintenance)
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.correlation_sweep", newCfg.Maintenance.CorrelationSweep),
			logx.String("maintenance.status_report", newCfg.Maintenance.StatusReport),
		)
	}

	ot, nt := oldCfg.Alerts.Telegram, newCfg.Alerts.Telegram
	if ot != nt {
		changed = append(changed, SectionAlerts)
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", nt.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("alerts.telegram.token_changed", ot.Token != nt.Token),
			logx.String("alerts.telegram.min_level", nt.MinLevel),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, SectionAPI)
		attrs = append(attrs,
			logx.String("api.host", newCfg.API.Host),
			logx.String("api.read_timeout", newCfg.API.ReadTimeout),
			logx.String("api.write_timeout", newCfg.API.WriteTimeout),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, SectionDebug)
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return changed, attrs
}

func senderEqual(a, b SenderConfig) bool {
	return a.PollInterval == b.PollInterval &&
		a.SendTimeout == b.SendTimeout &&
		a.CorrelationTTL == b.CorrelationTTL &&
		a.CorrelationMax == b.CorrelationMax &&
		a.Loopback() == b.Loopback() &&
		a.LoopbackDelay == b.LoopbackDelay &&
		a.ReportDelay == b.ReportDelay
}
