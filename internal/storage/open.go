package storage

import (
	"context"
	"fmt"
	"strings"

	logx "smsgateway/pkg/logx"
)

// Store is the row-store API used by the persistence service.
//
// Implementations are safe for concurrent use, but the gateway funnels every
// call through a single command loop so writes and reads never race.
type Store interface {
	UpsertMessage(ctx context.Context, p MessagePatch) error
	FindMessage(ctx context.Context, id int64) (Message, bool, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	// MaxMessageID returns the highest stored id, 0 for an empty table.
	MaxMessageID(ctx context.Context) (int64, error)

	UpsertSetting(ctx context.Context, s Setting) error
	FindSetting(ctx context.Context, key string) (Setting, bool, error)
	ListSettings(ctx context.Context) ([]Setting, error)

	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
