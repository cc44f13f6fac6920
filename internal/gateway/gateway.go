// Package gateway accepts submissions and answers status queries. It owns
// the request-id counter and glues the persistence service to the sender.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"smsgateway/internal/database"
	"smsgateway/internal/modem"
	"smsgateway/internal/sender"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

var (
	ErrInvalidNumber  = errors.New("invalid number")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotReady       = errors.New("gateway not ready")
	ErrClosed         = errors.New("gateway closed")
	ErrNotFound       = errors.New("request not found")
)

const (
	MaxNumberLen  = 20
	MaxMessageLen = 1600
)

// Persistence is the part of the persistence service the gateway uses.
type Persistence interface {
	PutMessage(p storage.MessagePatch)
	GetMessage(ctx context.Context, id int64) (storage.Message, bool, error)
	UpdateIndex(ctx context.Context, table database.Table) (int64, error)
}

// Dispatcher accepts send jobs.
type Dispatcher interface {
	Enqueue(j sender.Job) bool
}

// Status answers a status query.
type Status struct {
	RequestID  string
	StatusCode modem.Status
	Message    string
	Record     storage.Message
}

type Gateway struct {
	db      Persistence
	jobs    Dispatcher
	counter *Counter
	log     logx.Logger

	closed    atomic.Bool
	submitted atomic.Uint64
	queries   atomic.Uint64
}

// New wires a gateway. A nil counter gets a fresh one.
func New(db Persistence, jobs Dispatcher, counter *Counter, log logx.Logger) *Gateway {
	if counter == nil {
		counter = &Counter{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{db: db, jobs: jobs, counter: counter, log: log.With(logx.String("comp", "gateway"))}
}

// Seed initialises the request counter from the highest persisted id.
// Submissions are rejected with ErrNotReady until it succeeds.
func (g *Gateway) Seed(ctx context.Context) error {
	last, err := g.db.UpdateIndex(ctx, database.TableMessages)
	if err != nil {
		return fmt.Errorf("seed request counter: %w", err)
	}
	if err := g.counter.Seed(last); err != nil {
		return err
	}
	g.log.Info("request counter seeded", logx.Int64("last_id", last))
	return nil
}

// Ready reports whether submissions are accepted.
func (g *Gateway) Ready() bool {
	_, seeded := g.counter.Current()
	return seeded && !g.closed.Load()
}

// Submit records a QUEUED message and hands it to the sender. It returns the
// request id without waiting for the send.
func (g *Gateway) Submit(number, message string) (string, error) {
	number = strings.TrimSpace(number)
	if err := ValidateNumber(number); err != nil {
		return "", err
	}
	if err := ValidateMessage(message); err != nil {
		return "", err
	}
	if g.closed.Load() {
		return "", ErrClosed
	}
	id, err := g.counter.Next()
	if err != nil {
		return "", ErrNotReady
	}

	// The QUEUED write must precede the job so the sender's update lands on top of it.
	g.db.PutMessage(storage.MessagePatch{
		ID:            id,
		RequestStatus: modem.StatusQueued.Int(),
		Number:        storage.String(number),
		Text:          storage.String(message),
	})
	if !g.jobs.Enqueue(sender.Job{RequestID: id, Number: number, Message: message}) {
		g.db.PutMessage(storage.MessagePatch{ID: id, RequestStatus: modem.StatusUnknownError.Int()})
		g.log.Warn("sender no longer accepting jobs", logx.Int64("request_id", id))
		return "", ErrClosed
	}
	g.submitted.Add(1)
	g.log.Debug("submitted", logx.Int64("request_id", id), logx.String("number", number))
	return strconv.FormatInt(id, 10), nil
}

// QueryStatus returns the current record of requestID.
func (g *Gateway) QueryStatus(ctx context.Context, requestID string) (Status, error) {
	g.queries.Add(1)
	id, err := strconv.ParseInt(strings.TrimSpace(requestID), 10, 64)
	if err != nil || id <= 0 {
		return Status{}, ErrNotFound
	}
	m, ok, err := g.db.GetMessage(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("query status %d: %w", id, err)
	}
	if !ok {
		return Status{}, ErrNotFound
	}
	return Status{
		RequestID:  strconv.FormatInt(id, 10),
		StatusCode: modem.Status(m.RequestStatus),
		Message:    m.Text,
		Record:     m,
	}, nil
}

// Close rejects further submissions. Queries keep working.
func (g *Gateway) Close() {
	if g.closed.CompareAndSwap(false, true) {
		g.log.Info("gateway closed for submissions")
	}
}

// Counts returns the number of accepted submissions and status queries.
func (g *Gateway) Counts() (submitted, queries uint64) {
	return g.submitted.Load(), g.queries.Load()
}

// ValidateNumber accepts digits with an optional leading '+'.
func ValidateNumber(n string) error {
	if n == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	if len(n) > MaxNumberLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidNumber, MaxNumberLen)
	}
	digits := strings.TrimPrefix(n, "+")
	if digits == "" {
		return fmt.Errorf("%w: no digits", ErrInvalidNumber)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidNumber, r)
		}
	}
	return nil
}

func ValidateMessage(m string) error {
	if strings.TrimSpace(m) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(m) > MaxMessageLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidMessage, MaxMessageLen)
	}
	return nil
}
