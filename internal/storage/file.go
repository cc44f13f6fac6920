package storage

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	logx "smsgateway/pkg/logx"
)

// fileStore is a dependency-light persistence backend.
//
// Files:
//   - <prefix>.snapshot.msgpack (periodic snapshot of both tables)
//   - <prefix>.journal.msgpack  (append-only stream of full rows)
//
// Every write appends the merged row to the journal, so replay is last-wins.
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	t  *tables

	snapshotPath string
	journal      *os.File
	enc          *msgpack.Encoder

	writes       int
	compactEvery int
}

const (
	recMessage = "m"
	recSetting = "s"
)

type journalRecord struct {
	Kind    string   `msgpack:"k"`
	Message *Message `msgpack:"m,omitempty"`
	Setting *Setting `msgpack:"s,omitempty"`
}

type snapshot struct {
	Messages []Message `msgpack:"messages"`
	Settings []Setting `msgpack:"settings"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.msgpack"
	journalPath := prefix + ".journal.msgpack"

	t := newTables()
	if err := loadSnapshot(snapPath, t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, t)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n > 0 {
		log.Debug("journal replayed", logx.Int("records", n), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		t:            t,
		snapshotPath: snapPath,
		journal:      jf,
		enc:          msgpack.NewEncoder(jf),
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.enc = nil
	return err
}

func (s *fileStore) UpsertMessage(ctx context.Context, p MessagePatch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	m := s.t.upsertMessage(p)
	m.UpdatedAt = nowUTC()
	s.t.messages[p.ID] = m
	return s.appendLocked(journalRecord{Kind: recMessage, Message: &m})
}

func (s *fileStore) FindMessage(ctx context.Context, id int64) (Message, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Message{}, false, ErrClosed
	}
	m, ok := s.t.messages[id]
	return m, ok, nil
}

func (s *fileStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.t.list(f), nil
}

func (s *fileStore) MaxMessageID(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	return s.t.maxID(), nil
}

func (s *fileStore) UpsertSetting(ctx context.Context, st Setting) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.t.settings[st.Key] = st.Value
	return s.appendLocked(journalRecord{Kind: recSetting, Setting: &st})
}

func (s *fileStore) FindSetting(ctx context.Context, key string) (Setting, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Setting{}, false, ErrClosed
	}
	v, ok := s.t.settings[key]
	return Setting{Key: key, Value: v}, ok, nil
}

func (s *fileStore) ListSettings(ctx context.Context) ([]Setting, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.t.settingList(), nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := s.enc.Encode(&rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact; the journal still holds everything on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Messages: s.t.list(MessageFilter{}), Settings: s.t.settingList()}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(f).Encode(&snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, t *tables) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&snap); err != nil {
		return err
	}
	for _, m := range snap.Messages {
		t.messages[m.ID] = m
	}
	for _, st := range snap.Settings {
		t.settings[st.Key] = st.Value
	}
	return nil
}

// replayJournal applies journal records in order. A truncated trailing record
// (crash mid-write) ends the replay without error.
func replayJournal(path string, t *tables) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	n := 0
	for {
		var rec journalRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return n, nil
			}
			return n, err
		}
		switch rec.Kind {
		case recMessage:
			if rec.Message != nil {
				t.messages[rec.Message.ID] = *rec.Message
			}
		case recSetting:
			if rec.Setting != nil {
				t.settings[rec.Setting.Key] = rec.Setting.Value
			}
		}
		n++
	}
}
