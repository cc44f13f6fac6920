// Package database runs the persistence service: a single goroutine that owns
// the row store and applies commands strictly in the order they were issued.
//
// Writes are fire-and-forget. Reads carry a private reply channel, so any
// number of goroutines can read concurrently without sharing a response
// stream. A storage failure is fatal: the loop stops and Run returns the error.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"smsgateway/internal/queue"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

var (
	// ErrStopped is returned to readers once the command loop has exited.
	ErrStopped = errors.New("database: stopped")
	// ErrUnknownTable is returned for commands naming a table the service does not own.
	ErrUnknownTable = errors.New("database: unknown table")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("database: already running")
)

type Table string

const (
	TableMessages Table = "sms"      // key column: id
	TableSettings Table = "settings" // key column: setting
)

type Op int

const (
	OpPut Op = iota
	OpGet
	OpGetAll
	OpUpdateIndex
	OpExit
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpGet:
		return "get"
	case OpGetAll:
		return "get_all"
	case OpUpdateIndex:
		return "update_index"
	case OpExit:
		return "exit"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Criteria selects rows. ID/Key address a single row for Get; Status and
// Limit narrow GetAll on the messages table.
type Criteria struct {
	ID     int64
	Key    string
	Status *int
	Limit  int
}

// Record is one row of either table; exactly one of Message or Setting is set.
type Record struct {
	Table   Table
	Message *storage.Message
	Setting *storage.Setting
}

type reply struct {
	records []Record
	index   int64
	err     error
}

type command struct {
	op      Op
	table   Table
	patch   storage.MessagePatch
	setting storage.Setting
	crit    Criteria
	reply   chan reply
}

// Service is the persistence service.
type Service struct {
	store storage.Store
	log   logx.Logger

	cmds *queue.FIFO[command]

	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	index    atomic.Int64

	mu  sync.Mutex
	err error
}

// New wraps store. The service does not close the store.
func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		log:   log.With(logx.String("comp", "database")),
		cmds:  queue.New[command](),
		done:  make(chan struct{}),
	}
}

// Done is closed when the command loop has exited.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err returns the fatal storage error that stopped the loop, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Index returns the last value computed by UpdateIndex.
func (s *Service) Index() int64 { return s.index.Load() }

// Pending reports the number of commands not yet applied.
func (s *Service) Pending() int { return s.cmds.Len() }

// PutMessage merges patch into the sms row keyed by patch.ID.
func (s *Service) PutMessage(patch storage.MessagePatch) {
	s.submit(command{op: OpPut, table: TableMessages, patch: patch})
}

// PutSetting upserts one settings row.
func (s *Service) PutSetting(st storage.Setting) {
	s.submit(command{op: OpPut, table: TableSettings, setting: st})
}

func (s *Service) submit(c command) {
	if !s.cmds.Push(c) {
		s.log.Warn("command dropped after stop", logx.String("op", c.op.String()), logx.String("table", string(c.table)))
	}
}

// Get returns the single row matching crit.
func (s *Service) Get(ctx context.Context, table Table, crit Criteria) (Record, bool, error) {
	r, err := s.call(ctx, command{op: OpGet, table: table, crit: crit})
	if err != nil {
		return Record{}, false, err
	}
	if len(r.records) == 0 {
		return Record{}, false, nil
	}
	return r.records[0], true, nil
}

// GetOne is Get under the name used by in-process callers that expect a single value.
func (s *Service) GetOne(ctx context.Context, table Table, crit Criteria) (Record, bool, error) {
	return s.Get(ctx, table, crit)
}

// GetAll returns every row of table matching crit.
func (s *Service) GetAll(ctx context.Context, table Table, crit Criteria) ([]Record, error) {
	r, err := s.call(ctx, command{op: OpGetAll, table: table, crit: crit})
	if err != nil {
		return nil, err
	}
	return r.records, nil
}

// UpdateIndex recomputes the highest message id. Only the messages table has
// a numeric key.
func (s *Service) UpdateIndex(ctx context.Context, table Table) (int64, error) {
	r, err := s.call(ctx, command{op: OpUpdateIndex, table: table})
	if err != nil {
		return 0, err
	}
	return r.index, nil
}

// GetMessage is a typed Get on the messages table.
func (s *Service) GetMessage(ctx context.Context, id int64) (storage.Message, bool, error) {
	rec, ok, err := s.Get(ctx, TableMessages, Criteria{ID: id})
	if err != nil || !ok {
		return storage.Message{}, false, err
	}
	return *rec.Message, true, nil
}

// ListSettings is a typed GetAll on the settings table.
func (s *Service) ListSettings(ctx context.Context) ([]storage.Setting, error) {
	recs, err := s.GetAll(ctx, TableSettings, Criteria{})
	if err != nil {
		return nil, err
	}
	out := make([]storage.Setting, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r.Setting)
	}
	return out, nil
}

func (s *Service) call(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	if !s.cmds.Push(c) {
		return reply{}, ErrStopped
	}
	select {
	case r := <-c.reply:
		return r, r.err
	case <-s.done:
		// The loop may have answered right before exiting.
		select {
		case r := <-c.reply:
			return r, r.err
		default:
			return reply{}, ErrStopped
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Stop enqueues the exit sentinel. Commands issued before Stop are still applied.
func (s *Service) Stop() {
	s.cmds.Push(command{op: OpExit})
	s.cmds.Close()
}

// Run applies commands until Stop is processed or ctx is cancelled. On
// cancellation the commands already queued are drained first.
// It returns nil on a clean exit and the storage error otherwise.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.finish()

	// Store calls outlive ctx so a shutdown still flushes queued writes.
	storeCtx := context.WithoutCancel(ctx)

	s.log.Debug("persistence loop started")
	for {
		c, err := s.cmds.Pop(ctx, 0)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				s.log.Debug("persistence loop stopped")
				return nil
			}
			// Cancelled: refuse new commands and apply what is already queued.
			s.cmds.Close()
			continue
		}
		if c.op == OpExit {
			s.log.Debug("persistence loop stopped")
			return nil
		}
		if err := s.apply(storeCtx, c); err != nil {
			s.fail(err, c)
			return err
		}
	}
}

func (s *Service) apply(ctx context.Context, c command) error {
	var r reply
	var err error
	switch c.op {
	case OpPut:
		err = s.put(ctx, c)
	case OpGet, OpGetAll:
		r.records, err = s.read(ctx, c)
	case OpUpdateIndex:
		if c.table != TableMessages {
			err = fmt.Errorf("%w: update index on %q", ErrUnknownTable, c.table)
			break
		}
		r.index, err = s.store.MaxMessageID(ctx)
		if err == nil {
			s.index.Store(r.index)
			s.log.Debug("index updated", logx.Int64("index", r.index))
		}
	default:
		err = fmt.Errorf("unknown op %s", c.op)
	}

	if errors.Is(err, ErrUnknownTable) {
		// Caller mistake, not a storage failure.
		s.log.Warn("command rejected", logx.String("op", c.op.String()), logx.Err(err))
		if c.reply != nil {
			c.reply <- reply{err: err}
		}
		return nil
	}
	if err != nil {
		return err
	}
	if c.reply != nil {
		c.reply <- r
	}
	return nil
}

func (s *Service) put(ctx context.Context, c command) error {
	switch c.table {
	case TableMessages:
		if err := s.store.UpsertMessage(ctx, c.patch); err != nil {
			return fmt.Errorf("upsert message %d: %w", c.patch.ID, err)
		}
	case TableSettings:
		if err := s.store.UpsertSetting(ctx, c.setting); err != nil {
			return fmt.Errorf("upsert setting %q: %w", c.setting.Key, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTable, c.table)
	}
	return nil
}

func (s *Service) read(ctx context.Context, c command) ([]Record, error) {
	switch c.table {
	case TableMessages:
		if c.op == OpGet {
			m, ok, err := s.store.FindMessage(ctx, c.crit.ID)
			if err != nil {
				return nil, fmt.Errorf("find message %d: %w", c.crit.ID, err)
			}
			if !ok {
				return nil, nil
			}
			return []Record{{Table: TableMessages, Message: &m}}, nil
		}
		ms, err := s.store.ListMessages(ctx, storage.MessageFilter{Status: c.crit.Status, Limit: c.crit.Limit})
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out := make([]Record, 0, len(ms))
		for i := range ms {
			out = append(out, Record{Table: TableMessages, Message: &ms[i]})
		}
		return out, nil

	case TableSettings:
		if c.op == OpGet {
			st, ok, err := s.store.FindSetting(ctx, c.crit.Key)
			if err != nil {
				return nil, fmt.Errorf("find setting %q: %w", c.crit.Key, err)
			}
			if !ok {
				return nil, nil
			}
			return []Record{{Table: TableSettings, Setting: &st}}, nil
		}
		sts, err := s.store.ListSettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("list settings: %w", err)
		}
		out := make([]Record, 0, len(sts))
		for i := range sts {
			out = append(out, Record{Table: TableSettings, Setting: &sts[i]})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTable, c.table)
}

func (s *Service) fail(err error, c command) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("storage failure, persistence loop stopping",
		logx.String("op", c.op.String()),
		logx.String("table", string(c.table)),
		logx.Err(err),
	)
}

// finish closes the queue and answers readers still waiting in it.
func (s *Service) finish() {
	s.cmds.Close()
	for {
		c, ok := s.cmds.TryPop()
		if !ok {
			break
		}
		if c.reply != nil {
			c.reply <- reply{err: ErrStopped}
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
}
