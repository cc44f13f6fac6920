package maintenance

import (
	"context"
	"time"

	"smsgateway/internal/sender"
	logx "smsgateway/pkg/logx"
)

// Sweeper is the correlation side of the sender.
type Sweeper interface {
	SweepCorrelations(now time.Time) int
	Snapshot() sender.Stats
}

// Counter reports gateway traffic.
type Counter interface {
	Counts() (submitted, queries uint64)
}

// Specs holds the cron expressions of the built-in jobs. Empty disables a job.
type Specs struct {
	CorrelationSweep string
	StatusReport     string
}

// Register adds the correlation sweep and the periodic status line.
func Register(s *Scheduler, specs Specs, snd Sweeper, gw Counter, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := s.Add(JobCorrelationSweep, specs.CorrelationSweep, func(context.Context) {
		if n := snd.SweepCorrelations(time.Now()); n > 0 {
			log.Info("stale correlations evicted", logx.Int("evicted", n))
		}
	}); err != nil {
		return err
	}
	return s.Add(JobStatusReport, specs.StatusReport, func(context.Context) {
		st := snd.Snapshot()
		fields := []logx.Field{
			logx.Int("queued", st.Queued),
			logx.Int("correlations", st.Correlations),
			logx.Bool("connected", st.Connected),
			logx.Uint64("sent", st.Sent),
			logx.Uint64("failed", st.Failed),
			logx.Uint64("disconnected", st.Disconnected),
			logx.Uint64("reports", st.Reports),
			logx.Uint64("unknown_reports", st.UnknownReports),
		}
		if gw != nil {
			sub, q := gw.Counts()
			fields = append(fields, logx.Uint64("submitted", sub), logx.Uint64("queries", q))
		}
		log.Info("gateway status", fields...)
	})
}
