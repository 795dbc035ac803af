// Package delivery sends composed messages through a platform sender with a
// per-call timeout, a send rate limit and a bounded retry for transient
// failures. Every send ends in an Outcome; errors are never swallowed.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// maxRetryAfter caps how long a platform retry_after hint may stall a send.
const maxRetryAfter = 30 * time.Second

type Config struct {
	// RetryMax is the number of retries after the first attempt.
	RetryMax   int
	RetryDelay time.Duration
	RatePerSec int
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Attempt records one try.
type Attempt struct {
	N         int
	StartedAt time.Time
	Took      time.Duration
	Err       error
}

// Outcome is the result of Send.
type Outcome struct {
	Status   Status
	Reason   string
	Attempts []Attempt
	Err      error
}

func (o Outcome) OK() bool { return o.Status == Delivered }

// Retries is the number of attempts after the first.
func (o Outcome) Retries() int { return max(0, len(o.Attempts)-1) }

type Transport struct {
	sender transport.Sender
	log    logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(sender transport.Sender, cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Transport{sender: sender, log: log.With(logx.String("comp", "delivery"))}
	t.Apply(cfg)
	return t
}

// Apply swaps the retry policy and limits. In-flight sends keep the policy
// they started with.
func (t *Transport) Apply(cfg Config) {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	if t.limiter == nil {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	t.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	t.limiter.SetBurst(cfg.RatePerSec)
}

func (t *Transport) config() (Config, *rate.Limiter) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg, t.limiter
}

// Send delivers msg to the recipient. Attempts are strictly sequential:
// a retry starts only after the previous attempt's outcome is known.
func (t *Transport) Send(ctx context.Context, to transport.ChatTarget, msg transport.OutMessage) Outcome {
	cfg, lim := t.config()
	log := t.log.With(logx.String("to", to.String()), logx.String("template", msg.TemplateID))

	var (
		out     Outcome
		lastErr error
		wait    time.Duration
	)
	_ = retry.Do(
		func() error {
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					lastErr = ctx.Err()
					return retry.Unrecoverable(lastErr)
				case <-timer.C:
				}
				wait = 0
			}
			if err := lim.Wait(ctx); err != nil {
				lastErr = err
				return retry.Unrecoverable(err)
			}

			a := Attempt{N: len(out.Attempts) + 1, StartedAt: time.Now()}
			actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			err := t.sender.SendMessage(actx, to, msg)
			cancel()
			a.Took = time.Since(a.StartedAt)
			a.Err = err
			out.Attempts = append(out.Attempts, a)
			lastErr = err
			if err == nil {
				return nil
			}

			st, reason := Classify(err)
			if st == PermanentFailure {
				return retry.Unrecoverable(err)
			}
			if hint := retryAfterHint(err); hint > cfg.RetryDelay {
				wait = min(hint, maxRetryAfter) - cfg.RetryDelay
			}
			log.Debug("send attempt failed", logx.Int("attempt", a.N), logx.String("reason", reason))
			return err
		},
		retry.Attempts(uint(cfg.RetryMax+1)),
		retry.Delay(cfg.RetryDelay),
		retry.MaxDelay(cfg.RetryDelay+time.Second),
		retry.MaxJitter(cfg.RetryDelay/10+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying send", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)

	if len(out.Attempts) == 0 && lastErr == nil {
		lastErr = ctx.Err()
		if lastErr == nil {
			lastErr = errNotAttempted
		}
	}
	out.Status, out.Reason = Classify(lastErr)
	out.Err = lastErr
	if out.OK() {
		log.Debug("delivered", logx.Int("attempts", len(out.Attempts)))
	} else {
		log.Warn("delivery failed",
			logx.String("status", out.Status.String()),
			logx.String("reason", out.Reason),
			logx.Int("attempts", len(out.Attempts)),
		)
	}
	return out
}
