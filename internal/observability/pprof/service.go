// Package pprof runs the optional profiling and health listener.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"smsgateway/internal/runtime/supervisor"
	logx "smsgateway/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"
	prefix      = "/debug/pprof/"
)

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

// Config controls the listener. Prefer a loopback Addr; anything else needs
// Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// HealthFunc returns the body of GET /healthz, encoded as JSON.
type HealthFunc func() any

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	health HealthFunc

	cfg  Config
	sup  *supervisor.Supervisor
	addr string
}

func New(health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{health: health, log: log}
}

// Addr is the bound address, empty while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the listener to match cfg. Safe to
// call on every config reload. parent bounds the listener's lifetime.
func (s *Service) Reconfigure(parent context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Enabled && !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return ErrInsecureBind
	}

	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		stopCtx, cancel := context.WithTimeout(parent, 3*time.Second)
		s.Stop(stopCtx)
		cancel()
		running = false
	}
	if !cfg.Enabled || running {
		return nil
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("pprof running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}

	sup := supervisor.New(parent,
		supervisor.WithLogger(s.log),
		// profiling is optional; never take the gateway down with it.
		supervisor.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.cfg = cfg
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("pprof.serve", func(ctx context.Context) error {
		return s.serveOnce(ctx, cfg)
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

// Stop shuts the listener down and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.cfg = Config{}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("pprof stopped")
}

func (s *Service) serveOnce(ctx context.Context, cfg Config) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

// Handler serves /healthz and the runtime profiles, behind token if set.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any = map[string]string{"status": "ok"}
		if s.health != nil {
			body = s.health()
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc(prefix, hpprof.Index)
	mux.HandleFunc(prefix+"cmdline", hpprof.Cmdline)
	mux.HandleFunc(prefix+"profile", hpprof.Profile)
	mux.HandleFunc(prefix+"symbol", hpprof.Symbol)
	mux.HandleFunc(prefix+"trace", hpprof.Trace)
	return withAuth(token, mux)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, next http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
