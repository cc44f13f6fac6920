// Package maintenance runs periodic housekeeping for the gateway on cron
// schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "smsgateway/pkg/logx"
)

// Job names registered by Register.
const (
	JobCorrelationSweep = "correlation-sweep"
	JobStatusReport     = "status-report"
)

var (
	ErrDuplicateJob = errors.New("maintenance: duplicate job")
	ErrStarted      = errors.New("maintenance: scheduler already started")
)

type Config struct {
	Timezone string
	// Timeout bounds a single run. Zero means one minute.
	Timeout time.Duration
}

type job struct {
	name    string
	spec    string
	fn      func(ctx context.Context)
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

// Scheduler is a small named-job wrapper over robfig/cron. A run that is
// still in progress when its next tick fires is skipped.
type Scheduler struct {
	cfg    Config
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	jobs    []*job
	byName  map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(cfg Config, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Scheduler{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		byName: map[string]*job{},
	}
}

// Add registers fn under name. An empty spec disables the job and is not an
// error. Jobs must be added before Start.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		s.log.Debug("job disabled", logx.String("job", name))
		return nil
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("maintenance: job %s: invalid spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	s.jobs = append(s.jobs, j)
	s.byName[name] = j
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.name)
	}
	return out
}

// Runs reports how many times the named job completed.
func (s *Scheduler) Runs(name string) uint64 {
	s.mu.Lock()
	j := s.byName[name]
	s.mu.Unlock()
	if j == nil {
		return 0
	}
	return j.runs.Load()
}

func (s *Scheduler) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start schedules every registered job. Runs receive a context derived from
// ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		if _, err := s.c.AddJob(j.spec, cron.FuncJob(func() { s.run(j) })); err != nil {
			s.cancel()
			return fmt.Errorf("maintenance: job %s: %w", j.name, err)
		}
	}
	s.c.Start()
	s.started = true
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// RunNow executes the named job synchronously, honouring the overlap guard.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	j := s.byName[name]
	s.mu.Unlock()
	if j == nil {
		return false
	}
	return s.run(j)
}

func (s *Scheduler) run(j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job still running; tick skipped", logx.String("job", j.name))
		return false
	}
	defer j.running.Store(false)

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in maintenance job", logx.String("job", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	j.fn(ctx)
	j.runs.Add(1)
	s.log.Trace("job finished", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
	return true
}

// Stop halts the cron and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}
