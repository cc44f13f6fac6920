package app

import (
	"context"
	"slices"
	"strings"

	"smsgateway/internal/config"
	"smsgateway/internal/transport/telegram"
	logx "smsgateway/pkg/logx"
)

// startConfigReload applies hot-reloadable sections (logging, alerts, debug) and
// reports the rest as needing a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				// Command line overrides keep precedence over the file.
				eff := *newCfg
				applyOverrides(&eff, a.opts)
				lastApplied = a.applyConfig(c, lastApplied, &eff)
			}
		}
	})
}

// applyConfig returns the config now in effect.
func (a *App) applyConfig(ctx context.Context, old, next *config.Config) *config.Config {
	sections, attrs := config.SummarizeConfigChange(old, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return next
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if slices.Contains(sections, config.SectionAlerts) {
		a.swapNotifier(next)
	}
	if slices.Contains(sections, config.SectionLogging) || slices.Contains(sections, config.SectionAlerts) {
		a.logs.Apply(mapLogConfig(next))
	}
	if slices.Contains(sections, config.SectionDebug) && a.debug != nil {
		if err := a.debug.Reconfigure(ctx, mapDebug(next)); err != nil {
			a.log.Warn("pprof reconfigure rejected", logx.Err(err))
		}
	}
	for _, s := range sections {
		switch s {
		case config.SectionStorage, config.SectionSender, config.SectionMaintenance, config.SectionAPI:
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	return next
}

func (a *App) swapNotifier(cfg *config.Config) {
	if !cfg.Alerts.Telegram.Enabled {
		a.logs.SetNotifier(nil)
		return
	}
	n, err := telegram.New(mapTelegram(cfg), a.log)
	if err != nil {
		a.log.Warn("telegram alerts disabled", logx.Err(err))
		a.logs.SetNotifier(nil)
		return
	}
	a.logs.SetNotifier(n)
}
