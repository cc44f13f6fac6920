package modem

import (
	"context"
	"fmt"
)

// Offline stands in for a port that cannot be opened.
type Offline struct {
	port string
}

func NewOffline(port string) *Offline { return &Offline{port: port} }

func (o *Offline) Connect(context.Context) error {
	if o.port == "" {
		return fmt.Errorf("%w: no port configured", ErrPortUnavailable)
	}
	return fmt.Errorf("%w: %s", ErrPortUnavailable, o.port)
}

func (o *Offline) Connected() bool { return false }

func (o *Offline) Send(context.Context, string, string) (SentSMS, error) {
	return SentSMS{}, ErrNotConnected
}

func (o *Offline) SetReportHandler(ReportHandler) {}

func (o *Offline) Close() error { return nil }
