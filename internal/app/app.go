package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"smsgateway/internal/api"
	"smsgateway/internal/config"
	"smsgateway/internal/database"
	"smsgateway/internal/eventbus"
	"smsgateway/internal/gateway"
	"smsgateway/internal/maintenance"
	"smsgateway/internal/modem"
	"smsgateway/internal/observability/pprof"
	"smsgateway/internal/runtime/supervisor"
	"smsgateway/internal/sender"
	"smsgateway/internal/settings"
	"smsgateway/internal/storage"
	"smsgateway/internal/transport/telegram"
	logx "smsgateway/pkg/logx"
)

// Options carries command line input. Settings holds values saved into the
// settings table after load, in the order given.
type Options struct {
	ConfigPath string
	DBFile     string
	LogDir     string
	Debug      bool

	Settings []Setting
}

type Setting struct {
	Key   string
	Value string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	cfg  *config.Config
	dur  config.Durations

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sup *supervisor.Supervisor

	store    storage.Store
	db       *database.Service
	settings *settings.Settings
	sender   *sender.Sender
	gateway  *gateway.Gateway
	api      *api.Server
	sched    *maintenance.Scheduler
	debug    *pprof.Service

	dbCancel     context.CancelFunc
	senderCancel context.CancelFunc
	apiCancel    context.CancelFunc
	senderDone   chan struct{}
	apiDone      chan struct{}
}

// New loads the config file and builds logging. Nothing is opened yet.
func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)
	dur, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	if cfg.Alerts.Telegram.Enabled {
		n, err := telegram.New(mapTelegram(cfg), log)
		if err != nil {
			log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			logSvc.SetNotifier(n)
		}
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		opts: opts,
		cfgm: cfgm,
		cfg:  cfg,
		dur:  dur,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or signal).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the API listen address once started.
func (a *App) Addr() string {
	if a.settings == nil {
		return ""
	}
	return net.JoinHostPort(a.cfg.API.Host, strconv.Itoa(a.settings.WebPort()))
}

// Start brings the gateway up: store, persistence loop, settings, sender,
// request counter, API listener, maintenance, then readiness.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// Every stage below gets its own context so Stop can unwind them in order.
	base := context.WithoutCancel(a.sup.Context())

	st, err := storage.Open(mapStorageConfig(a.cfg, a.dur), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", a.cfg.Storage.Driver))

	a.db = database.New(st, a.log)
	dbCtx, dbCancel := context.WithCancel(base)
	a.dbCancel = dbCancel
	a.sup.Go("database", func(context.Context) error { return a.db.Run(dbCtx) })

	a.settings = settings.New(a.db, a.bus, a.log)
	if err := a.settings.Load(a.sup.Context()); err != nil {
		return a.abort(err)
	}
	for _, s := range a.opts.Settings {
		if err := settings.Validate(s.Key, s.Value); err != nil {
			return a.abort(err)
		}
		a.settings.Save(s.Key, s.Value)
	}

	dev := modem.Open(modem.Config{Port: a.settings.ComPort(), ReportDelay: a.dur.ReportDelay}, a.log.With(logx.String("comp", "modem")))
	scfg := mapSenderConfig(a.cfg, a.dur)
	scfg.MinSendInterval = a.settings.MinSendInterval()
	a.sender = sender.New(scfg, a.db, dev, a.log)
	senderCtx, senderCancel := context.WithCancel(base)
	a.senderCancel = senderCancel
	a.senderDone = make(chan struct{})
	a.sup.Go("sender", func(context.Context) error {
		defer close(a.senderDone)
		return a.sender.Run(senderCtx)
	})

	a.gateway = gateway.New(a.db, a.sender, nil, a.log)
	if err := a.gateway.Seed(a.sup.Context()); err != nil {
		return a.abort(err)
	}

	a.api = api.New(a.gateway, a.settings, a.log)
	var lc net.ListenConfig
	ln, err := lc.Listen(a.sup.Context(), "tcp", a.Addr())
	if err != nil {
		return a.abort(fmt.Errorf("listen %s: %w", a.Addr(), err))
	}
	apiCtx, apiCancel := context.WithCancel(base)
	a.apiCancel = apiCancel
	a.apiDone = make(chan struct{})
	a.sup.Go("api", func(context.Context) error {
		defer close(a.apiDone)
		return a.api.Serve(apiCtx, ln, mapAPITimeouts(a.dur))
	})

	a.debug = pprof.New(a.health, a.log.With(logx.String("comp", "pprof")))
	if err := a.debug.Reconfigure(a.sup.Context(), mapDebug(a.cfg)); err != nil {
		a.log.Warn("pprof disabled", logx.Err(err))
	}

	if a.cfg.Maintenance.Enabled {
		mcfg, specs := mapMaintenance(a.cfg)
		a.sched = maintenance.New(mcfg, a.log.With(logx.String("comp", "maintenance")))
		if err := maintenance.Register(a.sched, specs, a.sender, a.gateway, a.log.With(logx.String("comp", "maintenance"))); err != nil {
			return a.abort(err)
		}
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return a.abort(err)
		}
	}

	a.sup.Go0("settings.listen", func(c context.Context) {
		eventbus.Listen(c, a.bus, a.onSettingChanged, settings.EventChanged)
	})
	a.startConfigReload()
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 5*time.Second)

	notifyReady(a.log)
	a.log.Info("gateway started",
		logx.String("addr", ln.Addr().String()),
		logx.String("com_port", a.settings.ComPort()),
		logx.Bool("key_protection", a.settings.KeyProtection()),
		logx.Duration("min_send_interval", a.settings.MinSendInterval()),
	)
	return nil
}

// abort unwinds a partial start and returns err.
func (a *App) abort(err error) error {
	a.log.Error("start failed", logx.Err(err))
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(sctx)
	return err
}

// onSettingChanged applies settings that take effect without a restart.
func (a *App) onSettingChanged(e eventbus.Event) {
	ch, ok := e.Data.(settings.Change)
	if !ok {
		return
	}
	switch ch.Key {
	case settings.KeyMinSendInterval:
		d, err := settings.ParseSeconds(ch.Value)
		if err != nil {
			a.log.Warn("ignoring invalid min_send_interval", logx.String("value", ch.Value), logx.Err(err))
			return
		}
		a.sender.SetMinSendInterval(d)
	case settings.KeyComPort, settings.KeyWebPort:
		a.log.Warn("setting changed; restart required", logx.String("key", ch.Key))
	}
}

type health struct {
	Status    string       `json:"status"`
	Sender    sender.Stats `json:"sender"`
	Submitted uint64       `json:"submitted"`
	Queries   uint64       `json:"queries"`
}

func (a *App) health() any {
	submitted, queries := a.gateway.Counts()
	return health{Status: "ok", Sender: a.sender.Snapshot(), Submitted: submitted, Queries: queries}
}

// senderBudget is how long the sender may keep draining at the normal pace.
// It leaves a reserve of the stop deadline for the abort path and the
// persistence flush.
func (a *App) senderBudget(ctx context.Context) time.Duration {
	const reserve = 5 * time.Second
	limit := a.dur.SendTimeout + time.Second
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl)-reserve)
	}
	return max(limit, 100*time.Millisecond)
}

// Run starts the app, blocks until ctx is done or a component fails, and
// stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-a.Done()
	fatal := a.Err()
	if fatal != nil {
		a.log.Error("fatal error; shutting down", logx.Err(fatal))
	}
	sctx, cancel := context.WithTimeout(context.Background(), a.dur.ShutdownTimeout+10*time.Second)
	defer cancel()
	stopErr := a.Stop(sctx)
	return errors.Join(fatal, stopErr)
}

// Stop shuts down in dependency order: no new submissions, API drained,
// sender drained, persistence loop flushed, store closed.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping(a.log)
	a.log.Info("stopping")

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}
	wait := func(ch <-chan struct{}) func(context.Context) error {
		return func(c context.Context) error {
			if ch == nil {
				return nil
			}
			select {
			case <-ch:
				return nil
			case <-c.Done():
				return c.Err()
			}
		}
	}

	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.apiCancel != nil {
		a.apiCancel()
		step("api", a.dur.ShutdownTimeout+time.Second, wait(a.apiDone))
	}
	if a.debug != nil {
		step("pprof", 3*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	}
	if a.sched != nil {
		step("maintenance", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	}
	if a.senderCancel != nil {
		a.senderCancel()
		step("sender", a.senderBudget(ctx), wait(a.senderDone))
		select {
		case <-a.senderDone:
		default:
			// Out of time: whatever is still queued gets a terminal status
			// before the persistence loop goes away.
			a.sender.Abort()
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			if err := wait(a.senderDone)(actx); err != nil {
				a.log.Warn("sender did not finish after abort", logx.Err(err))
			}
			cancel()
		}
	}
	if a.db != nil {
		if a.cfg.Storage.StopsOnExit() {
			a.db.Stop()
			step("database", 5*time.Second, wait(a.db.Done()))
		} else {
			a.log.Info("persistence loop left running")
		}
	}

	// Remaining goroutines (config watch, listeners) follow the supervisor context.
	a.sup.Cancel()
	if a.cfg.Storage.StopsOnExit() {
		if a.dbCancel != nil {
			a.dbCancel()
		}
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
		if a.store != nil {
			step("storage", time.Second, func(context.Context) error { return a.store.Close() })
		}
	}

	a.log.Info("stopped", logx.Uint64("goroutines_started", a.sup.Counters().Started))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
