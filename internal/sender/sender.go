// Package sender owns the modem. It pops jobs from its inbound queue,
// enforces the minimum interval between two sends, writes the outcome of every
// attempt to the persistence service, and correlates asynchronous delivery
// reports back to the request that produced them.
package sender

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"smsgateway/internal/modem"
	"smsgateway/internal/queue"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("sender: already running")

// Job is one outbound message.
type Job struct {
	RequestID int64
	Number    string
	Message   string
}

// Recorder receives status writes. database.Service satisfies it.
type Recorder interface {
	PutMessage(p storage.MessagePatch)
}

type Config struct {
	MinSendInterval time.Duration
	// PollInterval bounds each wait on the inbound queue.
	PollInterval time.Duration
	// SendTimeout bounds a single device call.
	SendTimeout time.Duration

	CorrelationTTL time.Duration
	CorrelationMax int

	// Jobs for LoopbackNumber never touch the device; they are answered by an
	// internal loopback after LoopbackDelay. Empty disables the path.
	LoopbackNumber string
	LoopbackDelay  time.Duration
}

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultSendTimeout    = 60 * time.Second
	DefaultCorrelationTTL = 72 * time.Hour
	DefaultCorrelationMax = 4096
	DefaultLoopbackNumber = "0"
)

func (c Config) withDefaults() Config {
	if c.MinSendInterval < 0 {
		c.MinSendInterval = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.CorrelationTTL <= 0 {
		c.CorrelationTTL = DefaultCorrelationTTL
	}
	if c.CorrelationMax <= 0 {
		c.CorrelationMax = DefaultCorrelationMax
	}
	return c
}

// maxParked bounds reports held back while a send is in flight.
const maxParked = 64

type correlation struct {
	requestID int64
	sent      modem.SentSMS
	at        time.Time
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Queued int
	Correlations    int
	Connected       bool
	MinSendInterval time.Duration
	LastSend        time.Time

	Sent           uint64
	Failed         uint64
	Disconnected   uint64
	Reports        uint64
	UnknownReports uint64
}

type Sender struct {
	cfg  Config
	log  logx.Logger
	rec  Recorder
	dev  modem.Modem
	loop modem.Modem // nil when the loopback path is disabled

	jobs *queue.FIFO[Job]

	running     atomic.Bool
	minInterval atomic.Int64
	lastSend    atomic.Int64 // unix nanos; 0 = never

	// corrMu guards corr, parked and sending. It is never held across a
	// device call: a report arriving while a send is in flight is parked and
	// replayed once the ENROUTE write of its reference has been issued.
	corrMu  sync.Mutex
	corr    map[int]correlation
	parked  []modem.StatusReport
	sending bool

	// abort ends the drain early: throttle waits and in-flight sends are cut
	// short and every remaining job is written MODEM_DISCONNECTED.
	abortCtx    context.Context
	abortCancel context.CancelFunc

	sent, failed, disconnected, reports, unknownReports atomic.Uint64

	now func() time.Time
}

// New builds a sender around dev.
func New(cfg Config, rec Recorder, dev modem.Modem, log logx.Logger) *Sender {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	abortCtx, abortCancel := context.WithCancel(context.Background())
	s := &Sender{
		abortCtx:    abortCtx,
		abortCancel: abortCancel,
		cfg:         cfg,
		log:  log.With(logx.String("comp", "sender")),
		rec:  rec,
		dev:  dev,
		jobs: queue.New[Job](),
		corr: make(map[int]correlation),
		now:  time.Now,
	}
	if cfg.LoopbackNumber != "" {
		// References above the device range keep the two tables from colliding.
		s.loop = modem.NewLoopback(modem.LoopbackConfig{RefBase: 256, RefSpan: 256, ReportDelay: cfg.LoopbackDelay})
	}
	s.minInterval.Store(int64(cfg.MinSendInterval))
	return s
}

// Enqueue hands a job to the send loop. It returns false once the loop has
// begun its final drain.
func (s *Sender) Enqueue(j Job) bool { return s.jobs.Push(j) }

// SetMinSendInterval changes the throttle; the next send observes it.
func (s *Sender) SetMinSendInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := time.Duration(s.minInterval.Swap(int64(d)))
	if old != d {
		s.log.Info("min send interval changed", logx.Duration("old", old), logx.Duration("new", d))
	}
}

func (s *Sender) MinSendInterval() time.Duration { return time.Duration(s.minInterval.Load()) }

// Abort gives up on the drain. Jobs still queued, and the one waiting on the
// throttle, are written MODEM_DISCONNECTED without being sent; a send in
// progress is cancelled. Run still returns only after every job has its
// terminal write.
func (s *Sender) Abort() {
	if s.abortCtx.Err() == nil {
		s.log.Warn("send loop aborted", logx.Int("pending", s.jobs.Len()))
	}
	s.abortCancel()
}

func (s *Sender) aborted() bool { return s.abortCtx.Err() != nil }

// Run connects the device and sends until ctx is cancelled and every queued
// job has been given a terminal write.
func (s *Sender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.dev.SetReportHandler(s.HandleReport)
	if s.loop != nil {
		s.loop.SetReportHandler(s.HandleReport)
	}
	if err := s.dev.Connect(ctx); err != nil {
		s.log.Warn("unable to connect modem, only loopback SMS will work", logx.Err(err))
	} else {
		s.log.Info("modem connected")
	}
	defer s.closeDevices()

	// The first send after startup also waits a full interval.
	s.lastSend.Store(s.now().UnixNano())

	for {
		job, err := s.jobs.Pop(ctx, s.cfg.PollInterval)
		switch {
		case err == nil:
			s.process(job)
		case errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, queue.ErrClosed):
			s.log.Debug("send loop drained")
			return nil
		default:
			// Cancelled: stop accepting and drain what is queued.
			if !s.jobs.Closed() {
				s.log.Info("send loop stopping", logx.Int("pending", s.jobs.Len()))
				s.jobs.Close()
			}
		}
	}
}

func (s *Sender) closeDevices() {
	if err := s.dev.Close(); err != nil {
		s.log.Warn("modem close failed", logx.Err(err))
	}
	if s.loop != nil {
		_ = s.loop.Close()
	}
}

func (s *Sender) process(j Job) {
	if !s.throttle() {
		s.disconnected.Add(1)
		s.rec.PutMessage(storage.MessagePatch{ID: j.RequestID, RequestStatus: modem.StatusModemDisconnected.Int()})
		s.log.Warn("send loop aborted, message is not sent", logx.Int64("request_id", j.RequestID))
		return
	}

	dev := s.dev
	if s.loop != nil && j.Number == s.cfg.LoopbackNumber {
		dev = s.loop
	}

	if !dev.Connected() {
		s.disconnected.Add(1)
		s.rec.PutMessage(storage.MessagePatch{ID: j.RequestID, RequestStatus: modem.StatusModemDisconnected.Int()})
		s.log.Warn("modem is not connected, message is ignored", logx.Int64("request_id", j.RequestID))
		return
	}

	s.log.Debug("sending", logx.Int64("request_id", j.RequestID), logx.String("number", j.Number))

	// Shutdown does not cut a send short, Abort does.
	sendCtx, cancel := context.WithTimeout(s.abortCtx, s.cfg.SendTimeout)
	defer cancel()

	s.corrMu.Lock()
	s.sending = true
	s.corrMu.Unlock()

	sent, err := dev.Send(sendCtx, j.Number, j.Message)

	s.corrMu.Lock()
	s.sending = false
	if err == nil {
		s.correlateLocked(sent.Reference, correlation{requestID: j.RequestID, sent: sent, at: s.now()})
		s.rec.PutMessage(storage.MessagePatch{
			ID:            j.RequestID,
			RequestStatus: modem.StatusEnroute.Int(),
			Reference:     storage.Int(sent.Reference),
			TimeSent:      storage.Time(sent.SentAt.UTC()),
		})
	}
	s.replayParkedLocked()
	s.corrMu.Unlock()
	s.lastSend.Store(s.now().UnixNano())

	if err != nil {
		st := Classify(err)
		s.failed.Add(1)
		s.rec.PutMessage(storage.MessagePatch{ID: j.RequestID, RequestStatus: st.Int()})
		s.log.Warn("send failed", logx.Int64("request_id", j.RequestID), logx.String("status", st.String()), logx.Err(err))
		return
	}
	s.sent.Add(1)
	s.log.Debug("sent", logx.Int64("request_id", j.RequestID), logx.Int("reference", sent.Reference))
}

// throttle blocks until the minimum send interval has elapsed. It is not
// interrupted by shutdown, so drained jobs obey the same spacing; it returns
// false once the sender is aborted.
func (s *Sender) throttle() bool {
	if s.aborted() {
		return false
	}
	last := s.lastSend.Load()
	if last == 0 {
		return true
	}
	wait := s.MinSendInterval() - s.now().Sub(time.Unix(0, last))
	if wait <= 0 {
		return true
	}
	s.log.Debug("minimum send interval not yet elapsed", logx.Duration("interval", s.MinSendInterval()), logx.Duration("sleep", wait))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.abortCtx.Done():
		return false
	}
}

// Classify maps a device error to the status written for the request.
func Classify(err error) modem.Status {
	var cme *modem.CMEError
	var cms *modem.CMSError
	switch {
	case errors.Is(err, modem.ErrNotConnected):
		return modem.StatusModemDisconnected
	case errors.As(err, &cme):
		return modem.StatusCMEError
	case errors.As(err, &cms):
		return modem.StatusCMSError
	default:
		return modem.StatusUnknownError
	}
}

func (s *Sender) correlateLocked(ref int, c correlation) {
	if _, exists := s.corr[ref]; !exists && len(s.corr) >= s.cfg.CorrelationMax {
		oldestRef, oldest := 0, time.Time{}
		first := true
		for r, e := range s.corr {
			if first || e.at.Before(oldest) {
				oldestRef, oldest, first = r, e.at, false
			}
		}
		delete(s.corr, oldestRef)
		s.log.Debug("correlation table full, evicted oldest", logx.Int("reference", oldestRef))
	}
	s.corr[ref] = c
}

// HandleReport correlates a delivery report to its request and writes the
// merged status. It never panics into the caller.
func (s *Sender) HandleReport(r modem.StatusReport) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("delivery report handler panic",
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	s.corrMu.Lock()
	c, ok := s.corr[r.Reference]
	if !ok && s.sending {
		// The reference may belong to the send in flight.
		if len(s.parked) >= maxParked {
			s.dropUnknown(s.parked[0])
			s.parked = s.parked[1:]
		}
		s.parked = append(s.parked, r)
		s.corrMu.Unlock()
		return
	}
	s.corrMu.Unlock()
	s.applyReport(c, ok, r)
}

// replayParkedLocked applies reports held back during the last send. Writes
// are issued under corrMu so they follow the ENROUTE write in order.
func (s *Sender) replayParkedLocked() {
	parked := s.parked
	s.parked = nil
	for _, r := range parked {
		c, ok := s.corr[r.Reference]
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.log.Error("delivery report replay panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				}
			}()
			s.applyReport(c, ok, r)
		}()
	}
}

func (s *Sender) dropUnknown(r modem.StatusReport) {
	s.unknownReports.Add(1)
	s.log.Warn("delivery report for unknown reference dropped", logx.Int("reference", r.Reference))
}

func (s *Sender) applyReport(c correlation, ok bool, r modem.StatusReport) {
	s.log.Debug("delivery report",
		logx.Int("reference", r.Reference),
		logx.Int("status", int(r.Status)),
		logx.String("number", r.Number),
		logx.Int("delivery_status", r.DeliveryStatus),
	)
	if !ok {
		s.dropUnknown(r)
		return
	}
	s.reports.Add(1)

	if c.sent.Number != r.Number {
		s.log.Warn("sent SMS phone number does not match delivery report",
			logx.String("sent", c.sent.Number),
			logx.String("report", r.Number),
			logx.Int64("request_id", c.requestID),
		)
	}

	status := c.sent.Status
	if r.Status == modem.StatusDelivered || r.Status == modem.StatusFailed {
		status = r.Status
	}
	p := storage.MessagePatch{
		ID:             c.requestID,
		RequestStatus:  status.Int(),
		ReportStatus:   storage.Int(int(r.Status)),
		Reference:      storage.Int(r.Reference),
		DeliveryStatus: storage.Int(r.DeliveryStatus),
	}
	if !r.TimeSent.IsZero() {
		p.TimeSent = storage.Time(r.TimeSent.UTC())
	}
	if !r.TimeFinalized.IsZero() {
		p.TimeFinalized = storage.Time(r.TimeFinalized.UTC())
	}
	s.rec.PutMessage(p)
}

// SweepCorrelations drops entries older than the configured TTL and returns
// how many were removed.
func (s *Sender) SweepCorrelations(now time.Time) int {
	cutoff := now.Add(-s.cfg.CorrelationTTL)
	s.corrMu.Lock()
	defer s.corrMu.Unlock()
	n := 0
	for ref, c := range s.corr {
		if c.at.Before(cutoff) {
			delete(s.corr, ref)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("correlations swept", logx.Int("evicted", n), logx.Int("remaining", len(s.corr)))
	}
	return n
}

// Snapshot reports queue and correlation state without blocking on a send.
func (s *Sender) Snapshot() Stats {
	st := Stats{
		Queued:          s.jobs.Len(),
		Connected:       s.dev.Connected(),
		MinSendInterval: s.MinSendInterval(),
		Sent:            s.sent.Load(),
		Failed:          s.failed.Load(),
		Disconnected:    s.disconnected.Load(),
		Reports:         s.reports.Load(),
		UnknownReports:  s.unknownReports.Load(),
	}
	if ns := s.lastSend.Load(); ns != 0 {
		st.LastSend = time.Unix(0, ns)
	}
	s.corrMu.Lock()
	st.Correlations = len(s.corr)
	s.corrMu.Unlock()
	return st
}

func (s Stats) String() string {
	return fmt.Sprintf("queued=%d correlations=%d connected=%t sent=%d failed=%d disconnected=%d reports=%d unknown_reports=%d",
		s.Queued, s.Correlations, s.Connected, s.Sent, s.Failed, s.Disconnected, s.Reports, s.UnknownReports)
}
