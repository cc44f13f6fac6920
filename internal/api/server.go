// Package api is the HTTP surface of the gateway.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"smsgateway/internal/gateway"
	"smsgateway/internal/modem"
	logx "smsgateway/pkg/logx"
)

const (
	maxBodyBytes = 64 << 10

	msgInvalidKey       = "Invalid key"
	msgInvalidReference = "INVALID REFERENCE"
)

// Gateway is the part of the orchestrator the handlers call.
type Gateway interface {
	Submit(number, message string) (string, error)
	QueryStatus(ctx context.Context, requestID string) (gateway.Status, error)
}

// Access answers key protection questions from the current settings.
type Access interface {
	KeyProtection() bool
	APIKey() string
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Response is the body of every API reply.
type Response struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type sendRequest struct {
	Key     string `json:"key"`
	Number  string `json:"number"`
	Message string `json:"message"`
}

type Server struct {
	mux    *http.ServeMux
	gw     Gateway
	access Access
	log    logx.Logger

	pageHits atomic.Uint64
	apiHits  atomic.Uint64
}

func New(gw Gateway, access Access, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		mux:    http.NewServeMux(),
		gw:     gw,
		access: access,
		log:    log.With(logx.String("comp", "api")),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /v1/sendsms", s.handleSendSMS)
	s.mux.HandleFunc("GET /v1/smsstatus/{id}", s.handleStatus)
}

// Handler returns the routed handler with panic recovery.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.mux)
}

// Hits returns the page and API access counters.
func (s *Server) Hits() (page, api uint64) {
	return s.pageHits.Load(), s.apiHits.Load()
}

// Serve answers requests on ln until ctx is done, then shuts down within
// the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, t Timeouts) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       t.Read,
		ReadHeaderTimeout: t.Read,
		WriteTimeout:      t.Write,
		IdleTimeout:       t.Idle,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdown := t.Shutdown
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdown)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http server stopped")
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, t Timeouts) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, t)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, api := s.Hits()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "SMS Gateway<p>This server has been accessed %d times, with %d times coming from the API", page+api, api)
	s.pageHits.Add(1)
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	s.apiHits.Add(1)
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rejected("request body must be valid JSON"))
		return
	}
	if !s.authorized(req.Key) {
		writeJSON(w, http.StatusOK, rejected(msgInvalidKey))
		return
	}

	ref, err := s.gw.Submit(req.Number, req.Message)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Reference: ref,
		Status:    strconv.Itoa(int(modem.StatusQueued)),
		Message:   req.Message,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.apiHits.Add(1)
	if !s.authorized(r.URL.Query().Get("key")) {
		writeJSON(w, http.StatusOK, rejected(msgInvalidKey))
		return
	}
	id := r.PathValue("id")
	st, err := s.gw.QueryStatus(r.Context(), id)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusOK, Response{Reference: id, Status: "-1", Message: msgInvalidReference})
	case err != nil:
		s.log.Error("status query failed", logx.String("request_id", id), logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Reference: id, Status: "-1", Message: "status unavailable"})
	default:
		writeJSON(w, http.StatusOK, Response{
			Reference: st.RequestID,
			Status:    strconv.Itoa(int(st.StatusCode)),
			Message:   st.Message,
		})
	}
}

func (s *Server) authorized(key string) bool {
	if s.access == nil || !s.access.KeyProtection() {
		return true
	}
	want := s.access.APIKey()
	return want != "" && subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrInvalidNumber), errors.Is(err, gateway.ErrInvalidMessage):
		writeJSON(w, http.StatusBadRequest, rejected(err.Error()))
	case errors.Is(err, gateway.ErrNotReady), errors.Is(err, gateway.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, rejected(err.Error()))
	default:
		s.log.Error("submit failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, rejected("internal server error"))
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic in http handler",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, rejected("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func rejected(msg string) Response {
	return Response{Reference: "-1", Status: "-1", Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
