package maintenance

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgateway/internal/sender"
	logx "smsgateway/pkg/logx"
)

type fakeSweeper struct {
	sweeps atomic.Int32
}

func (f *fakeSweeper) SweepCorrelations(time.Time) int {
	f.sweeps.Add(1)
	return 2
}

func (f *fakeSweeper) Snapshot() sender.Stats {
	return sender.Stats{Queued: 3, Correlations: 7, Sent: 11}
}

type fakeCounter struct{}

func (fakeCounter) Counts() (uint64, uint64) { return 5, 9 }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestAdd_RejectsBadSpecAndDuplicates(t *testing.T) {
	s := New(Config{}, logx.Nop())
	require.Error(t, s.Add("x", "every now and then", func(context.Context) {}))
	require.NoError(t, s.Add("x", "*/5 * * * *", func(context.Context) {}))
	require.NoError(t, s.Add("y", "0 */5 * * * *", func(context.Context) {}), "seconds field is optional")
	assert.ErrorIs(t, s.Add("x", "@hourly", func(context.Context) {}), ErrDuplicateJob)
	require.NoError(t, s.Add("off", "  ", func(context.Context) {}))
	assert.Equal(t, []string{"x", "y"}, s.Jobs())
}

func TestStart_RunsOnSchedule(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	var n atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) { n.Add(1) }))
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)

	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.GreaterOrEqual(t, s.Runs("tick"), uint64(1))
}

func TestRun_SkipsOverlapAndRecoversPanic(t *testing.T) {
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, s.Add("slow", "@hourly", func(context.Context) {
		close(entered)
		<-release
	}))
	require.NoError(t, s.Add("boom", "@hourly", func(context.Context) { panic("boom") }))

	done := make(chan bool)
	go func() { done <- s.RunNow("slow") }()
	<-entered
	assert.False(t, s.RunNow("slow"), "overlapping run is skipped")
	close(release)
	assert.True(t, <-done)

	assert.False(t, s.RunNow("boom"))
	assert.Zero(t, s.Runs("boom"))
	assert.False(t, s.RunNow("missing"))
}

func TestRegister_BuiltinJobs(t *testing.T) {
	buf := &syncBuffer{}
	log := logx.NewWriter(buf, "info")
	s := New(Config{}, log)
	sw := &fakeSweeper{}
	require.NoError(t, Register(s, Specs{CorrelationSweep: "@every 10m", StatusReport: "@every 1h"}, sw, fakeCounter{}, log))
	assert.Equal(t, []string{JobCorrelationSweep, JobStatusReport}, s.Jobs())

	require.True(t, s.RunNow(JobCorrelationSweep))
	assert.Equal(t, int32(1), sw.sweeps.Load())
	require.True(t, s.RunNow(JobStatusReport))

	out := buf.String()
	assert.Contains(t, out, "stale correlations evicted")
	assert.Contains(t, out, "gateway status")
	assert.Contains(t, out, "submitted")
}
