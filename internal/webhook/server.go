// Package webhook serves the inbound push endpoint Telegram calls with
// updates, plus a small health endpoint.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// SecretHeader carries the secret_token given to setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type Config struct {
	Listen       string
	Path         string
	Secret       string
	MaxBodyBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) normalized() Config {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	c.Path = "/" + strings.Trim(strings.TrimSpace(c.Path), "/")
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Decoder turns a request body into updates. A decoder may return
// EmptyUpdate to acknowledge a body that carries nothing of interest.
type Decoder func(body []byte) ([]transport.Update, error)

// Health returns a JSON-encodable status document.
type Health func() any

type Server struct {
	log    logx.Logger
	decode Decoder
	empty  error
	out    chan<- transport.Update
	health Health

	cfg atomic.Pointer[Config]

	mu   sync.Mutex
	base context.Context
	ln   net.Listener
	srv  *http.Server
	sup  *rtsup.Supervisor

	accepted atomic.Uint64
	rejected atomic.Uint64
}

type Options struct {
	Decoder Decoder
	// Empty is the sentinel the decoder returns for bodies to acknowledge
	// without forwarding.
	Empty  error
	Out    chan<- transport.Update
	Health Health
	Log    logx.Logger
}

func New(cfg Config, opt Options) *Server {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		log:    log.With(logx.String("comp", "webhook")),
		decode: opt.Decoder,
		empty:  opt.Empty,
		out:    opt.Out,
		health: opt.Health,
	}
	c := cfg.normalized()
	s.cfg.Store(&c)
	return s
}

// Apply swaps path, secret and body limit in place. A changed listen address
// or timeouts restart the listener under the context given to Start.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	next := cfg.normalized()
	prev := s.cfg.Swap(&next)
	s.mu.Lock()
	running, base := s.srv != nil, s.base
	s.mu.Unlock()
	if !running || (prev.Listen == next.Listen && prev.ReadTimeout == next.ReadTimeout &&
		prev.WriteTimeout == next.WriteTimeout && prev.IdleTimeout == next.IdleTimeout) {
		return nil
	}
	s.log.Info("webhook listener restarting", logx.String("addr", next.Listen))
	s.Stop(ctx)
	return s.Start(base)
}

// Start binds the listener synchronously, so a bad address fails here, and
// serves in the background until ctx ends or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	cfg := *s.cfg.Load()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.base, s.ln, s.srv, s.sup = ctx, ln, srv, sup

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go0("http.shutdown_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	})
	s.log.Info("webhook listening", logx.String("addr", ln.Addr().String()), logx.String("path", cfg.Path))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("webhook stopped",
		logx.Uint64("accepted", s.accepted.Load()),
		logx.Uint64("rejected", s.rejected.Load()),
	)
}

// Addr is the bound address, empty when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Load()
		switch {
		case r.URL.Path == "/healthz":
			s.serveHealth(w, r)
		case r.URL.Path == cfg.Path:
			s.serveUpdate(w, r, cfg, "")
		case strings.HasPrefix(r.URL.Path, strings.TrimSuffix(cfg.Path, "/")+"/"):
			token := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(cfg.Path, "/")+"/")
			if token == "" || strings.Contains(token, "/") {
				http.NotFound(w, r)
				return
			}
			s.serveUpdate(w, r, cfg, token)
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *Server) serveUpdate(w http.ResponseWriter, r *http.Request, cfg *Config, pathToken string) {
	rid := uuid.NewString()
	w.Header().Set("X-Request-Id", rid)
	log := s.log.With(logx.String("request_id", rid))

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.reject(w, log, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	got := r.Header.Get(SecretHeader)
	if got == "" {
		got = pathToken
	}
	if !secretOK(cfg.Secret, got) {
		s.reject(w, log, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.reject(w, log, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		s.reject(w, log, http.StatusBadRequest, "unreadable body")
		return
	}
	ups, err := s.decode(body)
	if err != nil {
		if s.empty != nil && errors.Is(err, s.empty) {
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Debug("malformed update", logx.Err(err))
		s.reject(w, log, http.StatusBadRequest, "malformed update")
		return
	}

	if cap(s.out)-len(s.out) < len(ups) {
		s.reject(w, log, http.StatusServiceUnavailable, "busy")
		return
	}
	for _, up := range ups {
		select {
		case s.out <- up:
		default:
			s.reject(w, log, http.StatusServiceUnavailable, "busy")
			return
		}
	}
	s.accepted.Add(uint64(len(ups)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	var doc any = map[string]string{"status": "ok"}
	if s.health != nil {
		doc = s.health()
	}
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) reject(w http.ResponseWriter, log logx.Logger, code int, msg string) {
	s.rejected.Add(1)
	log.Debug("webhook request rejected", logx.Int("status", code), logx.String("reason", msg))
	http.Error(w, msg, code)
}

func secretOK(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
