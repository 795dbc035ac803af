package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	to    []transport.ChatTarget
}

func (r *recordingSender) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.OutMessage) error {
	return r.SendText(ctx, to, msg.Text, nil)
}

func (r *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("bad gateway")
	}
	r.texts = append(r.texts, text)
	r.to = append(r.to, to)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

var admin = transport.ChatTarget{ChatID: 1001}

func testConfig() Config {
	return Config{
		Enabled:     true,
		QueueSize:   8,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func start(t *testing.T, cfg Config, sender transport.Sender, store storage.Store) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), nil, store)
	s.SetTarget(admin)
	s.Start(context.Background())
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestReportDeliversToAdmin(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{}
	s := start(t, testConfig(), snd, nil)

	err := s.Report(context.Background(), Report{
		Kind: KindDeliver, Template: "promo", Language: "en", Recipient: "@news",
		Status: "permanent_failure", Attempts: 1, Cause: "chat not found",
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	stop(t, s)

	got := snd.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d reports, want 1", len(got))
	}
	for _, want := range []string{"could not deliver", "template: promo", "recipient: @news", "cause: chat not found"} {
		if !strings.Contains(got[0], want) {
			t.Fatalf("report %q missing %q", got[0], want)
		}
	}
	if snd.to[0] != admin {
		t.Fatalf("sent to %v, want admin chat", snd.to[0])
	}
	if h := s.History(); len(h) != 1 || h[0].Kind != KindDeliver {
		t.Fatalf("History = %+v", h)
	}
}

func TestReportDedup(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{}
	s := start(t, testConfig(), snd, nil)
	ctx := context.Background()

	r := Report{Kind: KindCompose, Template: "promo", Language: "de", Cause: "missing link app"}
	for range 3 {
		if err := s.Report(ctx, r); err != nil {
			t.Fatalf("Report: %v", err)
		}
	}
	r.Cause = "missing link support"
	if err := s.Report(ctx, r); err != nil {
		t.Fatalf("Report: %v", err)
	}
	stop(t, s)

	if got := snd.sent(); len(got) != 2 {
		t.Fatalf("sent %d reports, want 2 (one per distinct cause)", len(got))
	}
}

func TestReportRetriesTransientSendFailure(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{fails: 2}
	s := start(t, testConfig(), snd, nil)

	if err := s.Report(context.Background(), Report{Kind: KindEndpoint, Cause: "fallback"}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	stop(t, s)
	if got := snd.sent(); len(got) != 1 {
		t.Fatalf("sent %d reports, want 1 after retries", len(got))
	}
}

func TestReportRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Enabled = false
	off := New(cfg, &recordingSender{}, logx.Nop(), nil, nil)
	off.SetTarget(admin)
	off.Start(ctx)
	if err := off.Report(ctx, Report{Kind: KindConfig}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Report = %v, want ErrDisabled", err)
	}

	notStarted := New(testConfig(), &recordingSender{}, logx.Nop(), nil, nil)
	if err := notStarted.Report(ctx, Report{Kind: KindConfig}); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Report = %v, want ErrStopped", err)
	}

	noTarget := New(testConfig(), &recordingSender{}, logx.Nop(), nil, nil)
	noTarget.Start(ctx)
	defer stop(t, noTarget)
	if err := noTarget.Report(ctx, Report{Kind: KindConfig}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("targetless Report = %v, want ErrNoTarget", err)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	cfg := testConfig()
	cfg.PersistDedup = true
	r := Report{Kind: KindDeliver, Template: "promo", Cause: "bot was blocked"}

	first := &recordingSender{}
	s := start(t, cfg, first, st)
	if err := s.Report(context.Background(), r); err != nil {
		t.Fatalf("Report: %v", err)
	}
	stop(t, s)

	second := &recordingSender{}
	s = start(t, cfg, second, st)
	if err := s.Report(context.Background(), r); err != nil {
		t.Fatalf("Report: %v", err)
	}
	stop(t, s)

	if len(first.sent()) != 1 || len(second.sent()) != 0 {
		t.Fatalf("first=%d second=%d, want 1 and 0", len(first.sent()), len(second.sent()))
	}
}

func TestReportText(t *testing.T) {
	t.Parallel()
	text := Report{Kind: KindCompose, Template: "welcome", Cause: strings.Repeat("x", 900)}.Text()
	if !strings.HasPrefix(text, "⚠️ could not compose message") {
		t.Fatalf("header wrong: %q", text[:40])
	}
	if strings.Contains(text, "attempts:") || strings.Contains(text, "recipient:") {
		t.Fatalf("empty fields rendered: %q", text)
	}
	if !strings.HasSuffix(text, "…") {
		t.Fatalf("long cause not truncated")
	}
}
