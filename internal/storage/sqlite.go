package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "smsgateway/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - sms + settings tables
const currentSchemaVersion = 1

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "database.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer; the persistence loop is the only caller anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		s.log.Debug("sqlite schema migrated", logx.Int("from", version), logx.Int("to", currentSchemaVersion))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const messageColumns = `id, request_status, number, message, reference, status, time_sent, time_finalized, delivery_status, updated_at`

func (s *sqliteStore) UpsertMessage(ctx context.Context, p MessagePatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM sms WHERE id = ?`, p.ID)
	m, err := scanMessage(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m = p.NewMessage()
	case err != nil:
		return err
	default:
		p.Apply(&m)
	}
	m.UpdatedAt = nowUTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sms(`+messageColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   request_status=excluded.request_status, number=excluded.number, message=excluded.message,
		   reference=excluded.reference, status=excluded.status, time_sent=excluded.time_sent,
		   time_finalized=excluded.time_finalized, delivery_status=excluded.delivery_status,
		   updated_at=excluded.updated_at`,
		m.ID, m.RequestStatus, m.Number, m.Text,
		nullInt(m.Reference), nullInt(m.ReportStatus),
		nullTime(m.TimeSent), nullTime(m.TimeFinalized),
		nullInt(m.DeliveryStatus), m.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) FindMessage(ctx context.Context, id int64) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM sms WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM sms`
	var args []any
	if f.Status != nil {
		q += ` WHERE request_status = ?`
		args = append(args, *f.Status)
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MaxMessageID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM sms`).Scan(&id)
	return id, err
}

func (s *sqliteStore) UpsertSetting(ctx context.Context, st Setting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(setting, value) VALUES(?,?)
		 ON CONFLICT(setting) DO UPDATE SET value=excluded.value`,
		st.Key, st.Value,
	)
	return err
}

func (s *sqliteStore) FindSetting(ctx context.Context, key string) (Setting, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE setting = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return Setting{}, false, nil
	}
	if err != nil {
		return Setting{}, false, err
	}
	return Setting{Key: key, Value: v}, true, nil
}

func (s *sqliteStore) ListSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT setting, value FROM settings ORDER BY setting`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m                        Message
		ref, status, delivery    sql.NullInt64
		sent, finalized, updated sql.NullString
	)
	if err := r.Scan(&m.ID, &m.RequestStatus, &m.Number, &m.Text, &ref, &status, &sent, &finalized, &delivery, &updated); err != nil {
		return Message{}, err
	}
	m.Reference = intFromNull(ref)
	m.ReportStatus = intFromNull(status)
	m.DeliveryStatus = intFromNull(delivery)
	m.TimeSent = timeFromNull(sent)
	m.TimeFinalized = timeFromNull(finalized)
	if t := timeFromNull(updated); t != nil {
		m.UpdatedAt = *t
	}
	return m, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return Int(int(v.Int64))
}

func timeFromNull(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
