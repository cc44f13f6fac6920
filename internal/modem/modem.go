// Package modem defines the hardware port the sender drives and the two
// implementations that ship with the gateway.
package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "smsgateway/pkg/logx"
)

var (
	// ErrNotConnected is returned by Send when the device is not usable.
	ErrNotConnected = errors.New("modem: not connected")
	// ErrPortUnavailable is returned by Connect when the configured port cannot be opened.
	ErrPortUnavailable = errors.New("modem: port unavailable")
)

// CMEError is an equipment error reported by the device.
type CMEError struct{ Code int }

func (e *CMEError) Error() string { return fmt.Sprintf("modem: CME error %d", e.Code) }

// CMSError is a network/message-service error reported by the device.
type CMSError struct{ Code int }

func (e *CMSError) Error() string { return fmt.Sprintf("modem: CMS error %d", e.Code) }

// SentSMS is what the device returns for an accepted message.
type SentSMS struct {
	Reference int
	Number    string
	Text      string
	Status    Status
	SentAt    time.Time
}

// StatusReport is an asynchronous delivery report.
type StatusReport struct {
	Reference      int
	Number         string
	Status         Status
	TimeSent       time.Time
	TimeFinalized  time.Time
	DeliveryStatus int
}

// ReportHandler receives delivery reports. It may be called from any goroutine.
type ReportHandler func(StatusReport)

// Modem is the capability the sender needs from the device.
type Modem interface {
	Connect(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, number, text string) (SentSMS, error)
	SetReportHandler(h ReportHandler)
	Close() error
}

const (
	PortNone     = "none"
	PortLoopback = "loopback"
)

// Config selects and tunes the device.
type Config struct {
	Port        string
	ReportDelay time.Duration // loopback only
}

// Open returns the device for cfg.Port. Serial ports are not driven by this
// build; they yield an Offline modem so only loopback messages go out.
func Open(cfg Config, log logx.Logger) Modem {
	port := strings.TrimSpace(cfg.Port)
	switch strings.ToLower(port) {
	case PortLoopback:
		return NewLoopback(LoopbackConfig{ReportDelay: cfg.ReportDelay})
	case "", PortNone:
		return NewOffline(port)
	default:
		log.Warn("serial modems are not supported by this build, only loopback SMS will work", logx.String("port", port))
		return NewOffline(port)
	}
}
