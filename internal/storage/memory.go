package storage

import (
	"context"
	"sort"
	"sync"
)

// tables holds both logical tables in memory. Used directly by the memory
// driver and as the read model of the file driver.
type tables struct {
	messages map[int64]Message
	settings map[string]string
}

func newTables() *tables {
	return &tables{messages: map[int64]Message{}, settings: map[string]string{}}
}

func (t *tables) upsertMessage(p MessagePatch) Message {
	m, ok := t.messages[p.ID]
	if ok {
		p.Apply(&m)
	} else {
		m = p.NewMessage()
	}
	t.messages[p.ID] = m
	return m
}

func (t *tables) list(f MessageFilter) []Message {
	out := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		if f.Status != nil && m.RequestStatus != *f.Status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (t *tables) maxID() int64 {
	var id int64
	for k := range t.messages {
		if k > id {
			id = k
		}
	}
	return id
}

func (t *tables) settingList() []Setting {
	out := make([]Setting, 0, len(t.settings))
	for k, v := range t.settings {
		out = append(out, Setting{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type memoryStore struct {
	mu     sync.Mutex
	t      *tables
	closed bool
}

// NewMemory returns a volatile Store.
func NewMemory() Store {
	return &memoryStore{t: newTables()}
}

func (s *memoryStore) UpsertMessage(ctx context.Context, p MessagePatch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := s.t.upsertMessage(p)
	m.UpdatedAt = nowUTC()
	s.t.messages[p.ID] = m
	return nil
}

func (s *memoryStore) FindMessage(ctx context.Context, id int64) (Message, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrClosed
	}
	m, ok := s.t.messages[id]
	return m, ok, nil
}

func (s *memoryStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t.list(f), nil
}

func (s *memoryStore) MaxMessageID(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.t.maxID(), nil
}

func (s *memoryStore) UpsertSetting(ctx context.Context, st Setting) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.t.settings[st.Key] = st.Value
	return nil
}

func (s *memoryStore) FindSetting(ctx context.Context, key string) (Setting, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Setting{}, false, ErrClosed
	}
	v, ok := s.t.settings[key]
	return Setting{Key: key, Value: v}, ok, nil
}

func (s *memoryStore) ListSettings(ctx context.Context) ([]Setting, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t.settingList(), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
