package app

import (
	"smsgateway/internal/config"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

// OpenStore opens the configured store without starting the gateway, for
// offline commands. The caller closes it.
func OpenStore(opts Options) (storage.Store, error) {
	cfg, err := config.NewConfigManager(opts.ConfigPath).Parse()
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if opts.Debug {
		level = "debug"
	}
	return storage.Open(mapStorageConfig(cfg, d), logx.NewConsole(level).With(logx.String("comp", "storage")))
}
