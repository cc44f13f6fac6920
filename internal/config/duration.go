package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations holds every duration field of a Config, parsed.
type Durations struct {
	BusyTimeout time.Duration

	PollInterval   time.Duration
	SendTimeout    time.Duration
	CorrelationTTL time.Duration
	LoopbackDelay  time.Duration
	ReportDelay    time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ParseDurations parses all duration fields and reports every invalid one.
func (c *Config) ParseDurations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	field := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	field(&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	field(&d.PollInterval, "sender.poll_interval", c.Sender.PollInterval, 5*time.Second)
	field(&d.SendTimeout, "sender.send_timeout", c.Sender.SendTimeout, 60*time.Second)
	field(&d.CorrelationTTL, "sender.correlation_ttl", c.Sender.CorrelationTTL, 72*time.Hour)
	field(&d.LoopbackDelay, "sender.loopback_delay", c.Sender.LoopbackDelay, 0)
	field(&d.ReportDelay, "sender.report_delay", c.Sender.ReportDelay, 2*time.Second)
	field(&d.ReadTimeout, "api.read_timeout", c.API.ReadTimeout, 15*time.Second)
	field(&d.WriteTimeout, "api.write_timeout", c.API.WriteTimeout, 15*time.Second)
	field(&d.IdleTimeout, "api.idle_timeout", c.API.IdleTimeout, 60*time.Second)
	field(&d.ShutdownTimeout, "api.shutdown_timeout", c.API.ShutdownTimeout, 10*time.Second)
	return d, errors.Join(errs...)
}
