package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	block bool
}

func (s *scriptedSender) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.OutMessage) error {
	s.mu.Lock()
	i := s.calls
	s.calls++
	block := s.block
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *scriptedSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	return s.SendMessage(ctx, to, transport.OutMessage{Text: text})
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var channel = transport.ChatTarget{Username: "@news"}

func fastConfig(retryMax int) Config {
	return Config{RetryMax: retryMax, RetryDelay: time.Millisecond, RatePerSec: 1000, Timeout: time.Second}
}

func TestSendRateLimitedThenDelivered(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{RetryAfter(errors.New("Too Many Requests"), 0), nil}}
	tr := New(s, fastConfig(1), logx.Nop())

	out := tr.Send(context.Background(), channel, transport.OutMessage{Text: "hi"})
	if !out.OK() {
		t.Fatalf("Status = %s (%s), want delivered", out.Status, out.Reason)
	}
	if len(out.Attempts) != 2 || out.Retries() != 1 {
		t.Fatalf("attempts = %d retries = %d, want 2 and 1", len(out.Attempts), out.Retries())
	}
	if out.Attempts[0].Err == nil || out.Attempts[1].Err != nil {
		t.Fatalf("attempt errors recorded wrong: %+v", out.Attempts)
	}
	if out.Err != nil {
		t.Fatalf("Err = %v, want nil", out.Err)
	}
}

func TestSendPermanentIsNotRetried(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{Permanent(errors.New("chat not found"))}}
	tr := New(s, fastConfig(3), logx.Nop())

	out := tr.Send(context.Background(), channel, transport.OutMessage{Text: "hi"})
	if out.Status != PermanentFailure {
		t.Fatalf("Status = %s, want permanent", out.Status)
	}
	if s.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", s.Calls())
	}
	if out.Reason != "chat not found" {
		t.Fatalf("Reason = %q", out.Reason)
	}
}

func TestSendTransientExhausted(t *testing.T) {
	t.Parallel()
	boom := Transient(errors.New("bad gateway"))
	s := &scriptedSender{errs: []error{boom, boom, boom, boom}}
	tr := New(s, fastConfig(2), logx.Nop())

	out := tr.Send(context.Background(), channel, transport.OutMessage{Text: "hi"})
	if out.Status != TransientFailure {
		t.Fatalf("Status = %s, want transient", out.Status)
	}
	if s.Calls() != 3 || len(out.Attempts) != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3", s.Calls(), len(out.Attempts))
	}
	if !errors.Is(out.Err, boom) {
		t.Fatalf("Err = %v, want last transient error", out.Err)
	}
}

func TestSendNoRetryWhenRetryMaxZero(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{errors.New("flaky")}}
	tr := New(s, fastConfig(0), logx.Nop())

	out := tr.Send(context.Background(), channel, transport.OutMessage{Text: "hi"})
	if out.OK() || s.Calls() != 1 {
		t.Fatalf("status=%s calls=%d, want failure after 1 call", out.Status, s.Calls())
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{block: true}
	cfg := fastConfig(0)
	cfg.Timeout = 20 * time.Millisecond
	tr := New(s, cfg, logx.Nop())

	out := tr.Send(context.Background(), channel, transport.OutMessage{Text: "hi"})
	if out.Status != TransientFailure || out.Reason != "timeout" {
		t.Fatalf("status=%s reason=%q, want transient timeout", out.Status, out.Reason)
	}
}

func TestSendHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{RetryAfter(errors.New("flood"), 60*time.Millisecond), nil}}
	tr := New(s, fastConfig(1), logx.Nop())

	out := tr.Send(context.Background(), channel, transport.OutMessage{Text: "hi"})
	if !out.OK() || len(out.Attempts) != 2 {
		t.Fatalf("status=%s attempts=%d", out.Status, len(out.Attempts))
	}
	first := out.Attempts[0]
	gap := out.Attempts[1].StartedAt.Sub(first.StartedAt.Add(first.Took))
	if gap < 50*time.Millisecond {
		t.Fatalf("retry started %s after failure, want >= retry_after", gap)
	}
}

func TestSendCanceledContext(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	tr := New(s, fastConfig(1), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := tr.Send(ctx, channel, transport.OutMessage{Text: "hi"})
	if out.OK() {
		t.Fatalf("send with canceled context reported delivered")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()
	var _ net.Error = timeoutErr{}
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil", err: nil, want: Delivered},
		{name: "permanent", err: Permanent(errors.New("blocked")), want: PermanentFailure},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", Permanent(errors.New("blocked"))), want: PermanentFailure},
		{name: "transient", err: Transient(errors.New("502")), want: TransientFailure},
		{name: "rate limit", err: RetryAfter(errors.New("429"), time.Second), want: TransientFailure},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: TransientFailure},
		{name: "network", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, want: TransientFailure},
		{name: "unknown", err: errors.New("???"), want: TransientFailure},
	}
	for _, tt := range tests {
		if got, _ := Classify(tt.err); got != tt.want {
			t.Fatalf("%s: Classify = %s, want %s", tt.name, got, tt.want)
		}
	}
	if Permanent(nil) != nil || Transient(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatalf("nil errors must stay nil")
	}
}
