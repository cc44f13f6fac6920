// Package settings keeps the operator-editable settings in memory and writes
// every change through to the settings table.
package settings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smsgateway/internal/eventbus"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

const (
	KeyComPort         = "com_port"
	KeyWebPort         = "web_port"
	KeyKeyProtection   = "keyprotection"
	KeyAPIKey          = "key"
	KeyAutostart       = "autostart"
	KeyMinSendInterval = "min_send_interval"
)

// EventChanged is published on every Save. Data is a Change.
const EventChanged = "settings.changed"

var ErrUnknownKey = errors.New("settings: unknown key")

// Change is the payload of EventChanged.
type Change struct {
	Key   string
	Old   string
	Value string
}

// Defaults returns the values written for settings missing from storage.
// The API key is random per call.
func Defaults() map[string]string {
	return map[string]string{
		KeyComPort:         "loopback",
		KeyWebPort:         "8888",
		KeyKeyProtection:   "0",
		KeyAPIKey:          NewAPIKey(),
		KeyAutostart:       "0",
		KeyMinSendInterval: "10",
	}
}

// NewAPIKey returns 32 random hex characters.
func NewAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Backend is the slice of the persistence service settings need.
type Backend interface {
	PutSetting(st storage.Setting)
	ListSettings(ctx context.Context) ([]storage.Setting, error)
}

type Settings struct {
	db  Backend
	bus eventbus.Bus
	log logx.Logger

	mu     sync.RWMutex
	values map[string]string
}

// New returns an empty cache; call Load before use. bus may be nil.
func New(db Backend, bus eventbus.Bus, log logx.Logger) *Settings {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Settings{db: db, bus: bus, log: log.With(logx.String("comp", "settings")), values: map[string]string{}}
}

// Load reads every stored setting and persists defaults for missing keys.
func (s *Settings) Load(ctx context.Context) error {
	return s.LoadWithDefaults(ctx, Defaults())
}

func (s *Settings) LoadWithDefaults(ctx context.Context, defaults map[string]string) error {
	stored, err := s.db.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	for _, st := range stored {
		s.log.Debug("found setting", logx.String("key", st.Key), logx.String("value", redact(st.Key, st.Value)))
		s.values[st.Key] = st.Value
	}
	var missing []string
	for _, k := range slices.Sorted(maps.Keys(defaults)) {
		if _, ok := s.values[k]; !ok {
			s.values[k] = defaults[k]
			missing = append(missing, k)
		}
	}
	s.mu.Unlock()

	for _, k := range missing {
		s.log.Debug("saving missing default", logx.String("key", k), logx.String("value", redact(k, defaults[k])))
		s.db.PutSetting(storage.Setting{Key: k, Value: defaults[k]})
	}
	return nil
}

// Get returns the cached value of key.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Save updates the cache, queues the write and announces the change.
func (s *Settings) Save(key, value string) {
	s.mu.Lock()
	old := s.values[key]
	s.values[key] = value
	s.mu.Unlock()

	s.log.Debug("saving setting", logx.String("key", key), logx.String("value", redact(key, value)))
	s.db.PutSetting(storage.Setting{Key: key, Value: value})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventChanged, Data: Change{Key: key, Old: old, Value: value}})
	}
}

// Snapshot returns a copy of all cached settings.
func (s *Settings) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

func (s *Settings) ComPort() string {
	v, _ := s.Get(KeyComPort)
	return v
}

func (s *Settings) WebPort() int {
	return s.intValue(KeyWebPort, 8888)
}

func (s *Settings) KeyProtection() bool {
	return s.intValue(KeyKeyProtection, 0) != 0
}

func (s *Settings) APIKey() string {
	v, _ := s.Get(KeyAPIKey)
	return v
}

func (s *Settings) Autostart() bool {
	return s.intValue(KeyAutostart, 0) != 0
}

// MinSendInterval is stored in whole or fractional seconds.
func (s *Settings) MinSendInterval() time.Duration {
	v, _ := s.Get(KeyMinSendInterval)
	d, err := ParseSeconds(v)
	if err != nil {
		s.log.Warn("invalid min_send_interval, using 10s", logx.String("value", v))
		return 10 * time.Second
	}
	return d
}

func (s *Settings) intValue(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.log.Warn("invalid integer setting", logx.String("key", key), logx.String("value", v))
		return def
	}
	return n
}

// ParseSeconds parses a non-negative number of seconds.
func ParseSeconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative interval %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// Validate checks value for a known key.
func Validate(key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case KeyComPort:
		if value == "" {
			return fmt.Errorf("%s: empty", key)
		}
	case KeyWebPort:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%s: %q is not a port", key, value)
		}
	case KeyKeyProtection, KeyAutostart:
		if value != "0" && value != "1" {
			return fmt.Errorf("%s: must be 0 or 1", key)
		}
	case KeyAPIKey:
		if value == "" {
			return fmt.Errorf("%s: empty", key)
		}
	case KeyMinSendInterval:
		if _, err := ParseSeconds(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

func redact(key, value string) string {
	if key == KeyAPIKey && value != "" {
		return "***"
	}
	return value
}
