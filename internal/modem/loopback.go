package modem

import (
	"context"
	"sync"
	"time"
)

// LoopbackConfig tunes a Loopback.
type LoopbackConfig struct {
	// RefBase and RefSpan bound the references handed out: RefBase..RefBase+RefSpan-1,
	// round robin. Defaults: 0 and 256, the range of a real device.
	RefBase int
	RefSpan int
	// ReportDelay is the time between Send and the DELIVERED report.
	ReportDelay time.Duration
	// FailNumbers are rejected with CMS error 500.
	FailNumbers []string
}

// Loopback accepts every message and reports it delivered after a delay.
type Loopback struct {
	cfg  LoopbackConfig
	fail map[string]struct{}

	mu      sync.Mutex
	next    int
	closed  bool
	handler ReportHandler
	seq     uint64
	timers  map[uint64]*time.Timer
}

func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.RefSpan <= 0 {
		cfg.RefSpan = 256
	}
	if cfg.ReportDelay < 0 {
		cfg.ReportDelay = 0
	}
	fail := make(map[string]struct{}, len(cfg.FailNumbers))
	for _, n := range cfg.FailNumbers {
		fail[n] = struct{}{}
	}
	return &Loopback{cfg: cfg, fail: fail, timers: map[uint64]*time.Timer{}}
}

func (l *Loopback) Connect(ctx context.Context) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrNotConnected
	}
	return nil
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *Loopback) SetReportHandler(h ReportHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Loopback) Send(ctx context.Context, number, text string) (SentSMS, error) {
	if err := ctx.Err(); err != nil {
		return SentSMS{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return SentSMS{}, ErrNotConnected
	}
	if _, bad := l.fail[number]; bad {
		return SentSMS{}, &CMSError{Code: 500}
	}

	ref := l.cfg.RefBase + l.next
	l.next = (l.next + 1) % l.cfg.RefSpan
	sent := SentSMS{Reference: ref, Number: number, Text: text, Status: StatusEnroute, SentAt: time.Now()}

	l.seq++
	id := l.seq
	l.timers[id] = time.AfterFunc(l.cfg.ReportDelay, func() { l.deliver(id, sent) })
	return sent, nil
}

func (l *Loopback) deliver(id uint64, sent SentSMS) {
	l.mu.Lock()
	delete(l.timers, id)
	h := l.handler
	closed := l.closed
	l.mu.Unlock()
	if closed || h == nil {
		return
	}
	h(StatusReport{
		Reference:      sent.Reference,
		Number:         sent.Number,
		Status:         StatusDelivered,
		TimeSent:       sent.SentAt,
		TimeFinalized:  time.Now(),
		DeliveryStatus: 0,
	})
}

// Close drops reports that have not fired yet.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, t := range l.timers {
		t.Stop()
	}
	clear(l.timers)
	return nil
}
