package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgateway/internal/modem"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

// storeRecorder applies writes straight to a memory store.
type storeRecorder struct {
	st storage.Store
	mu sync.Mutex
	n  int
}

func newRecorder() *storeRecorder { return &storeRecorder{st: storage.NewMemory()} }

func (r *storeRecorder) PutMessage(p storage.MessagePatch) {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
	_ = r.st.UpsertMessage(context.Background(), p)
}

func (r *storeRecorder) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *storeRecorder) message(t *testing.T, id int64) storage.Message {
	t.Helper()
	m, ok, err := r.st.FindMessage(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "message %d not written", id)
	return m
}

func (r *storeRecorder) status(id int64) (int, bool) {
	m, ok, _ := r.st.FindMessage(context.Background(), id)
	return m.RequestStatus, ok
}

// fakeModem records call times and fails numbers listed in errs.
type fakeModem struct {
	mu        sync.Mutex
	connected bool
	errs      map[string]error
	calls     []time.Time
	nextRef   int
	handler   modem.ReportHandler
}

func (f *fakeModem) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return modem.ErrPortUnavailable
	}
	return nil
}

func (f *fakeModem) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeModem) Send(_ context.Context, number, text string) (modem.SentSMS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if err := f.errs[number]; err != nil {
		return modem.SentSMS{}, err
	}
	ref := f.nextRef
	f.nextRef++
	return modem.SentSMS{Reference: ref, Number: number, Text: text, Status: modem.StatusEnroute, SentAt: time.Now()}, nil
}

func (f *fakeModem) SetReportHandler(h modem.ReportHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeModem) Close() error { return nil }

func (f *fakeModem) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func testConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond, LoopbackNumber: DefaultLoopbackNumber}
}

func runSender(t *testing.T, s *Sender) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, c := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		c()
		<-errc
	})
	return c, errc
}

func waitStatus(t *testing.T, rec *storeRecorder, id int64, want modem.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := rec.status(id)
		return ok && st == int(want)
	}, 2*time.Second, 5*time.Millisecond, "request %d never reached %s", id, want)
}

func TestSender_SuccessfulSendWritesEnroute(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	s := New(testConfig(), rec, dev, logx.Nop())
	runSender(t, s)

	require.True(t, s.Enqueue(Job{RequestID: 1, Number: "555", Message: "hi"}))
	waitStatus(t, rec, 1, modem.StatusEnroute)

	m := rec.message(t, 1)
	require.NotNil(t, m.Reference)
	assert.Equal(t, 0, *m.Reference)
	assert.NotNil(t, m.TimeSent)
	assert.Equal(t, 1, s.Snapshot().Correlations)
}

func TestSender_ThrottleSpacesSends(t *testing.T) {
	const interval = 40 * time.Millisecond
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	cfg := testConfig()
	cfg.MinSendInterval = interval
	s := New(cfg, rec, dev, logx.Nop())

	for i := int64(1); i <= 3; i++ {
		require.True(t, s.Enqueue(Job{RequestID: i, Number: "555", Message: "x"}))
	}
	runSender(t, s)
	waitStatus(t, rec, 3, modem.StatusEnroute)

	calls := dev.callTimes()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), interval)
	}
}

func TestSender_ThrottleAppliesAfterFailedSend(t *testing.T) {
	const interval = 40 * time.Millisecond
	rec := newRecorder()
	dev := &fakeModem{connected: true, errs: map[string]error{"666": &modem.CMSError{Code: 500}}}
	cfg := testConfig()
	cfg.MinSendInterval = interval
	s := New(cfg, rec, dev, logx.Nop())

	s.Enqueue(Job{RequestID: 1, Number: "666", Message: "x"})
	s.Enqueue(Job{RequestID: 2, Number: "555", Message: "x"})
	runSender(t, s)
	waitStatus(t, rec, 2, modem.StatusEnroute)

	calls := dev.callTimes()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), interval)
}

func TestSender_DisconnectedWritesStatusWithoutCorrelation(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: false}
	s := New(testConfig(), rec, dev, logx.Nop())
	runSender(t, s)

	s.Enqueue(Job{RequestID: 7, Number: "555", Message: "hi"})
	waitStatus(t, rec, 7, modem.StatusModemDisconnected)

	assert.Empty(t, dev.callTimes())
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Correlations)
	assert.Equal(t, uint64(1), snap.Disconnected)
}

func TestSender_ClassifiesFailures(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: true, errs: map[string]error{
		"1": &modem.CMEError{Code: 10},
		"2": &modem.CMSError{Code: 500},
		"3": errors.New("serial timeout"),
		"4": modem.ErrNotConnected,
	}}
	s := New(testConfig(), rec, dev, logx.Nop())
	runSender(t, s)

	for i := int64(1); i <= 4; i++ {
		s.Enqueue(Job{RequestID: i, Number: string(rune('0' + i)), Message: "x"})
	}
	waitStatus(t, rec, 1, modem.StatusCMEError)
	waitStatus(t, rec, 2, modem.StatusCMSError)
	waitStatus(t, rec, 3, modem.StatusUnknownError)
	waitStatus(t, rec, 4, modem.StatusModemDisconnected)
	assert.Equal(t, 0, s.Snapshot().Correlations)
}

func TestSender_ReportMergesIntoRecord(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	s := New(testConfig(), rec, dev, logx.Nop())
	runSender(t, s)

	s.Enqueue(Job{RequestID: 4, Number: "555", Message: "hi"})
	waitStatus(t, rec, 4, modem.StatusEnroute)

	fin := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := modem.StatusReport{Reference: 0, Number: "555", Status: modem.StatusDelivered, TimeFinalized: fin, DeliveryStatus: 0}
	s.HandleReport(report)

	m := rec.message(t, 4)
	assert.Equal(t, int(modem.StatusDelivered), m.RequestStatus)
	require.NotNil(t, m.ReportStatus)
	assert.Equal(t, int(modem.StatusDelivered), *m.ReportStatus)
	require.NotNil(t, m.TimeFinalized)
	assert.True(t, fin.Equal(*m.TimeFinalized))
	require.NotNil(t, m.DeliveryStatus)
	assert.Equal(t, 0, *m.DeliveryStatus)

	// A duplicate report leaves the same record behind.
	s.HandleReport(report)
	again := rec.message(t, 4)
	assert.Equal(t, m.RequestStatus, again.RequestStatus)
	assert.Equal(t, *m.ReportStatus, *again.ReportStatus)
	assert.Equal(t, m.Number, again.Number)
}

func TestSender_ReportWithMismatchedNumberStillMerges(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	s := New(testConfig(), rec, dev, logx.Nop())
	runSender(t, s)

	s.Enqueue(Job{RequestID: 5, Number: "555", Message: "hi"})
	waitStatus(t, rec, 5, modem.StatusEnroute)

	s.HandleReport(modem.StatusReport{Reference: 0, Number: "+1555", Status: modem.StatusFailed, DeliveryStatus: 70})
	m := rec.message(t, 5)
	assert.Equal(t, int(modem.StatusFailed), m.RequestStatus)
	require.NotNil(t, m.DeliveryStatus)
	assert.Equal(t, 70, *m.DeliveryStatus)
	assert.Equal(t, "555", m.Number, "submitted number is kept")
}

// echoModem reports delivery of every message from another goroutine and only
// returns from Send once that report has been handled, the way a serial
// driver dispatches reports from the read loop Send is waiting on.
type echoModem struct{ fakeModem }

func (m *echoModem) Send(ctx context.Context, number, text string) (modem.SentSMS, error) {
	sent, err := m.fakeModem.Send(ctx, number, text)
	if err != nil {
		return sent, err
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()

	handled := make(chan struct{})
	go func() {
		defer close(handled)
		h(modem.StatusReport{Reference: sent.Reference, Number: number, Status: modem.StatusDelivered, TimeFinalized: time.Now()})
	}()
	select {
	case <-handled:
		return sent, nil
	case <-ctx.Done():
		return modem.SentSMS{}, ctx.Err()
	}
}

func TestSender_ReportDuringSendIsAppliedAfterEnroute(t *testing.T) {
	rec := newRecorder()
	dev := &echoModem{fakeModem{connected: true}}
	cfg := testConfig()
	cfg.SendTimeout = 300 * time.Millisecond
	s := New(cfg, rec, dev, logx.Nop())
	runSender(t, s)

	s.Enqueue(Job{RequestID: 1, Number: "555", Message: "a"})
	s.Enqueue(Job{RequestID: 2, Number: "556", Message: "b"})
	waitStatus(t, rec, 1, modem.StatusDelivered)
	waitStatus(t, rec, 2, modem.StatusDelivered)

	for id := int64(1); id <= 2; id++ {
		m := rec.message(t, id)
		require.NotNil(t, m.Reference)
		assert.NotNil(t, m.TimeSent, "ENROUTE write kept")
		assert.NotNil(t, m.TimeFinalized)
	}
	require.Eventually(t, func() bool { return s.Snapshot().Sent == 2 }, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Reports)
	assert.Zero(t, snap.UnknownReports)
}

func TestSender_ParkedReportForFailedSendIsDropped(t *testing.T) {
	rec := newRecorder()
	s := New(testConfig(), rec, &fakeModem{connected: true}, logx.Nop())

	s.corrMu.Lock()
	s.sending = true
	s.corrMu.Unlock()
	s.HandleReport(modem.StatusReport{Reference: 42, Number: "555", Status: modem.StatusDelivered})
	assert.Zero(t, s.Snapshot().UnknownReports, "held while the send is in flight")

	s.corrMu.Lock()
	s.sending = false
	s.replayParkedLocked()
	s.corrMu.Unlock()
	assert.Equal(t, uint64(1), s.Snapshot().UnknownReports)
	assert.Zero(t, rec.writes())
}

func TestSender_FirstSendWaitsFullInterval(t *testing.T) {
	const interval = 60 * time.Millisecond
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	cfg := testConfig()
	cfg.MinSendInterval = interval
	s := New(cfg, rec, dev, logx.Nop())

	start := time.Now()
	s.Enqueue(Job{RequestID: 1, Number: "555", Message: "x"})
	runSender(t, s)
	waitStatus(t, rec, 1, modem.StatusEnroute)

	calls := dev.callTimes()
	require.Len(t, calls, 1)
	assert.GreaterOrEqual(t, calls[0].Sub(start), interval)
}

func TestSender_AbortWritesTerminalStatusForPendingJobs(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	cfg := testConfig()
	cfg.MinSendInterval = time.Hour
	s := New(cfg, rec, dev, logx.Nop())
	for i := int64(1); i <= 3; i++ {
		s.Enqueue(Job{RequestID: i, Number: "555", Message: "x"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	time.Sleep(20 * time.Millisecond)
	s.Abort()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop after abort")
	}
	for i := int64(1); i <= 3; i++ {
		st, ok := rec.status(i)
		require.True(t, ok)
		assert.Equal(t, int(modem.StatusModemDisconnected), st)
	}
	assert.Empty(t, dev.callTimes())
}

func TestSender_UnknownReferenceIsDropped(t *testing.T) {
	rec := newRecorder()
	s := New(testConfig(), rec, &fakeModem{connected: true}, logx.Nop())

	require.NotPanics(t, func() {
		s.HandleReport(modem.StatusReport{Reference: 99, Number: "555", Status: modem.StatusDelivered})
	})
	assert.Zero(t, rec.writes())
	assert.Equal(t, uint64(1), s.Snapshot().UnknownReports)
}

type panickingRecorder struct{}

func (panickingRecorder) PutMessage(storage.MessagePatch) { panic("boom") }

func TestSender_ReportHandlerRecoversPanics(t *testing.T) {
	s := New(testConfig(), panickingRecorder{}, &fakeModem{connected: true}, logx.Nop())
	s.corr[3] = correlation{requestID: 1, sent: modem.SentSMS{Reference: 3, Number: "1"}, at: time.Now()}
	assert.NotPanics(t, func() {
		s.HandleReport(modem.StatusReport{Reference: 3, Number: "1", Status: modem.StatusDelivered})
	})
}

func TestSender_LoopbackNumberBypassesDevice(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: false}
	s := New(testConfig(), rec, dev, logx.Nop())
	runSender(t, s)

	s.Enqueue(Job{RequestID: 9, Number: "0", Message: "test"})
	waitStatus(t, rec, 9, modem.StatusDelivered)

	m := rec.message(t, 9)
	require.NotNil(t, m.Reference)
	assert.Equal(t, 256, *m.Reference)
	assert.Empty(t, dev.callTimes())
}

func TestSender_SweepEvictsExpiredCorrelations(t *testing.T) {
	cfg := testConfig()
	cfg.CorrelationTTL = time.Hour
	s := New(cfg, newRecorder(), &fakeModem{connected: true}, logx.Nop())

	now := time.Now()
	s.corr[1] = correlation{requestID: 1, at: now.Add(-2 * time.Hour)}
	s.corr[2] = correlation{requestID: 2, at: now.Add(-30 * time.Minute)}

	assert.Equal(t, 1, s.SweepCorrelations(now))
	_, ok := s.corr[2]
	assert.True(t, ok)
	assert.Equal(t, 0, s.SweepCorrelations(now))
}

func TestSender_CorrelationTableIsCapped(t *testing.T) {
	cfg := testConfig()
	cfg.CorrelationMax = 2
	s := New(cfg, newRecorder(), &fakeModem{connected: true}, logx.Nop())

	base := time.Now()
	s.correlateLocked(1, correlation{requestID: 1, at: base})
	s.correlateLocked(2, correlation{requestID: 2, at: base.Add(time.Second)})
	s.correlateLocked(3, correlation{requestID: 3, at: base.Add(2 * time.Second)})

	assert.Len(t, s.corr, 2)
	_, oldest := s.corr[1]
	assert.False(t, oldest)
}

func TestSender_DrainsQueueOnStop(t *testing.T) {
	rec := newRecorder()
	dev := &fakeModem{connected: true}
	s := New(testConfig(), rec, dev, logx.Nop())
	for i := int64(1); i <= 5; i++ {
		s.Enqueue(Job{RequestID: i, Number: "555", Message: "x"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	for i := int64(1); i <= 5; i++ {
		st, ok := rec.status(i)
		require.True(t, ok)
		assert.Equal(t, int(modem.StatusEnroute), st)
	}
	assert.False(t, s.Enqueue(Job{RequestID: 6}))
}

func TestSender_SetMinSendInterval(t *testing.T) {
	s := New(testConfig(), newRecorder(), &fakeModem{}, logx.Nop())
	s.SetMinSendInterval(3 * time.Second)
	assert.Equal(t, 3*time.Second, s.MinSendInterval())
	s.SetMinSendInterval(-1)
	assert.Equal(t, time.Duration(0), s.MinSendInterval())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, modem.StatusCMEError, Classify(&modem.CMEError{Code: 1}))
	assert.Equal(t, modem.StatusCMSError, Classify(&modem.CMSError{Code: 1}))
	assert.Equal(t, modem.StatusModemDisconnected, Classify(modem.ErrNotConnected))
	assert.Equal(t, modem.StatusUnknownError, Classify(errors.New("x")))
}
