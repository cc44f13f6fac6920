package storage

import (
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrClosed        = errors.New("storage: closed")
)

// DefaultRequestStatus is stored for rows created without an explicit status
// (accepted, not yet sent).
const DefaultRequestStatus = -1

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": msgpack journal + snapshot
//   - "postgres": PostgreSQL via gorm, Path holds the DSN
//   - "memory": volatile, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Message is a snapshot of one sms row.
type Message struct {
	ID            int64
	RequestStatus int
	Number        string
	Text          string

	// Reference is the hardware-assigned correlation token (nil until sent).
	Reference *int
	// ReportStatus is the hardware status carried by the last delivery report.
	ReportStatus   *int
	TimeSent       *time.Time
	TimeFinalized  *time.Time
	DeliveryStatus *int

	UpdatedAt time.Time
}

// MessagePatch is a partial upsert of an sms row. Nil fields leave the stored
// column untouched; a missing row is created.
type MessagePatch struct {
	ID             int64
	RequestStatus  *int
	Number         *string
	Text           *string
	Reference      *int
	ReportStatus   *int
	TimeSent       *time.Time
	TimeFinalized  *time.Time
	DeliveryStatus *int
}

// Apply merges the patch into m. m.ID is always set to p.ID.
func (p MessagePatch) Apply(m *Message) {
	m.ID = p.ID
	if p.RequestStatus != nil {
		m.RequestStatus = *p.RequestStatus
	}
	if p.Number != nil {
		m.Number = *p.Number
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.Reference != nil {
		m.Reference = Int(*p.Reference)
	}
	if p.ReportStatus != nil {
		m.ReportStatus = Int(*p.ReportStatus)
	}
	if p.TimeSent != nil {
		m.TimeSent = Time(*p.TimeSent)
	}
	if p.TimeFinalized != nil {
		m.TimeFinalized = Time(*p.TimeFinalized)
	}
	if p.DeliveryStatus != nil {
		m.DeliveryStatus = Int(*p.DeliveryStatus)
	}
}

// NewMessage returns the row a patch creates when no row exists yet.
func (p MessagePatch) NewMessage() Message {
	m := Message{RequestStatus: DefaultRequestStatus}
	p.Apply(&m)
	return m
}

// Setting is one row of the settings table.
type Setting struct {
	Key   string
	Value string
}

// MessageFilter narrows ListMessages. Zero value lists everything.
type MessageFilter struct {
	Status *int
	Limit  int
}

func Int(v int) *int { return &v }

func String(v string) *string { return &v }

func Time(v time.Time) *time.Time { return &v }

// nowUTC stamps UpdatedAt. Replaced in tests that need stable timestamps.
var nowUTC = func() time.Time { return time.Now().UTC() }
