// Package endpoint owns the webhook registration lifecycle:
// preflight, bounded retry with backoff, and the sticky fallback to pull mode.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// Resolver resolves the endpoint host during preflight. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Registrar is the remote platform side of registration.
type Registrar interface {
	SetWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
}

type Config struct {
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	PreflightTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = max(c.RetryBase, 30*time.Second)
	}
	if c.PreflightTimeout <= 0 {
		c.PreflightTimeout = 5 * time.Second
	}
	return c
}

type Options struct {
	Config   Config
	Resolver Resolver
	Bus      eventbus.Bus
	Store    storage.Store
	Log      logx.Logger
}

type params struct {
	url    string
	secret string
}

type run struct {
	p      params
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager is the single writer of the endpoint State.
type Manager struct {
	reg   Registrar
	res   Resolver
	bus   eventbus.Bus
	store storage.Store
	log   logx.Logger

	mu       sync.Mutex
	cfg      Config
	state    State
	reason   string
	since    time.Time
	attempts int
	host     string
	active   params
	run      *run
}

func New(reg Registrar, opt Options) *Manager {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	res := opt.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	return &Manager{
		reg:   reg,
		res:   res,
		bus:   opt.Bus,
		store: opt.Store,
		log:   log.With(logx.String("comp", "endpoint")),
		cfg:   opt.Config.withDefaults(),
		state: Unregistered,
		since: time.Now(),
	}
}

// Apply swaps the retry policy. A run in progress keeps its policy.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Reason: m.reason, Since: m.since, Host: m.host, Attempts: m.attempts}
}

// Register runs the full lifecycle for (rawURL, secret) and blocks until the
// endpoint is Active, the retry budget is exhausted (state Fallback,
// *RegistrationError) or ctx ends.
//
// Calling it while Active with the same parameters is a no-op. Calling it
// with different parameters supersedes any run in progress.
func (m *Manager) Register(ctx context.Context, rawURL, secret string) error {
	p := params{url: strings.TrimSpace(rawURL), secret: secret}

	m.mu.Lock()
	if m.state == Active && m.active == p && m.run == nil {
		m.mu.Unlock()
		return nil
	}
	if r := m.run; r != nil {
		if r.p == p {
			m.mu.Unlock()
			select {
			case <-r.done:
				return r.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &run{p: p, cancel: cancel, done: make(chan struct{})}
	m.run = r
	m.host = hostOf(p.url)
	m.attempts = 0
	cfg := m.cfg
	m.mu.Unlock()

	err := m.execute(rctx, r, cfg)
	cancel()

	m.mu.Lock()
	r.err = err
	if m.run == r {
		m.run = nil
	}
	m.mu.Unlock()
	close(r.done)
	return err
}

// Reconcile is the automatic path used after config reloads. It does nothing
// once the manager fell back to pull mode; only an explicit Register leaves
// Fallback.
func (m *Manager) Reconcile(ctx context.Context, rawURL, secret string) error {
	if m.State() == Fallback {
		m.log.Info("endpoint in fallback, skipping automatic registration")
		return nil
	}
	return m.Register(ctx, rawURL, secret)
}

func (m *Manager) execute(ctx context.Context, r *run, cfg Config) error {
	var (
		attempt int
		lastErr error
		ok      bool
	)
	_ = retry.Do(
		func() error {
			attempt++
			m.setAttempts(r, attempt)
			if err := m.preflight(ctx, r.p.url, cfg.PreflightTimeout); err != nil {
				lastErr = err
				m.transition(r, Degraded, err.Error(), attempt)
				return err
			}
			m.transition(r, Registering, "", attempt)
			if err := m.reg.SetWebhook(ctx, r.p.url, r.p.secret); err != nil {
				lastErr = err
				if ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				m.transition(r, Degraded, err.Error(), attempt)
				return err
			}
			ok = true
			return nil
		},
		retry.Attempts(uint(cfg.MaxAttempts)),
		retry.Delay(cfg.RetryBase),
		retry.MaxDelay(cfg.RetryMaxDelay),
		retry.MaxJitter(cfg.RetryBase/4+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.log.Warn("webhook registration retry scheduled",
				logx.Int("attempt", int(n)+1),
				logx.Int("max_attempts", cfg.MaxAttempts),
				logx.Err(err),
			)
		}),
	)

	if ok {
		m.mu.Lock()
		if m.run == r {
			m.active = r.p
		}
		m.mu.Unlock()
		m.transition(r, Active, "", attempt)
		return nil
	}
	if err := ctx.Err(); err != nil {
		// Superseded or shutting down; the state belongs to whoever is next.
		return err
	}
	if lastErr == nil {
		lastErr = errors.New("registration not attempted")
	}
	rerr := &RegistrationError{Attempts: attempt, Err: lastErr}
	m.transition(r, Fallback, rerr.Error(), attempt)
	return rerr
}

// preflight validates the URL and resolves its host without touching the
// platform.
func (m *Manager) preflight(ctx context.Context, rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreflight, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q is not http(s)", ErrPreflight, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrPreflight)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addrs, err := m.res.LookupHost(lctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrPreflight, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s has no addresses", ErrPreflight, host)
	}
	return nil
}

// Deregister removes the webhook on a best-effort basis. Failures are
// logged and returned, never retried.
func (m *Manager) Deregister(ctx context.Context) error {
	m.mu.Lock()
	if m.run != nil {
		m.run.cancel()
		m.run = nil
	}
	m.mu.Unlock()

	err := m.reg.DeleteWebhook(ctx)
	if err != nil {
		m.log.Warn("webhook deregistration failed", logx.Err(err))
	}
	m.mu.Lock()
	m.active = params{}
	m.mu.Unlock()
	m.transition(nil, Unregistered, errString(err), 0)
	return err
}

// Disable switches to pull mode without attempting registration, e.g. when
// the webhook is turned off in config. Any existing webhook is removed so
// polling can receive updates.
func (m *Manager) Disable(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.run != nil {
		m.run.cancel()
		m.run = nil
	}
	m.active = params{}
	m.mu.Unlock()

	if err := m.reg.DeleteWebhook(ctx); err != nil {
		m.log.Warn("webhook removal before polling failed", logx.Err(err))
	}
	m.transition(nil, Fallback, reason, 0)
}

func (m *Manager) setAttempts(r *run, n int) {
	m.mu.Lock()
	if m.run == r {
		m.attempts = n
	}
	m.mu.Unlock()
}

// transition applies a state change. r == nil marks an out-of-band change
// (Deregister/Disable); otherwise stale runs are ignored.
func (m *Manager) transition(r *run, to State, reason string, attempt int) {
	m.mu.Lock()
	if r != nil && m.run != r {
		m.mu.Unlock()
		return
	}
	from := m.state
	if from == to && m.reason == reason {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.state, m.reason, m.since = to, reason, now
	host := m.host
	m.mu.Unlock()

	tr := Transition{From: from, To: to, Reason: reason, Attempt: attempt, At: now}
	fields := []logx.Field{
		logx.String("from", from.String()),
		logx.String("to", to.String()),
		logx.Int("attempt", attempt),
	}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	switch to {
	case Fallback:
		m.log.Warn("endpoint state changed", fields...)
	case Degraded:
		m.log.Info("endpoint state changed", fields...)
	default:
		m.log.Debug("endpoint state changed", fields...)
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeEndpointState, Time: now, Data: tr})
	}
	if to != Registering {
		storage.Audit(context.Background(), m.store, m.log, storage.AuditEntry{
			At:     now,
			Kind:   storage.KindEndpoint,
			Action: to.String(),
			Target: host,
			OK:     to == Active,
			Error:  reason,
		})
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
