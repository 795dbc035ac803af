package admin

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/endpoint"
	"castbot/internal/schedule"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type textSender struct {
	mu   sync.Mutex
	sent []string
	to   []transport.ChatTarget
}

func (s *textSender) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.OutMessage) error {
	return s.SendText(ctx, to, msg.Text, nil)
}

func (s *textSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.to = append(s.to, to)
	s.mu.Unlock()
	return nil
}

func (s *textSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeOps struct {
	mu        sync.Mutex
	reloads   int
	reloadErr error
	greeted   chan transport.Member
	broadcast broadcast.Result
}

func (o *fakeOps) Reload(context.Context) (uint64, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reloads++
	if o.reloadErr != nil {
		return 1, false, o.reloadErr
	}
	return 2, true, nil
}

func (o *fakeOps) Reloads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reloads
}

func (o *fakeOps) Status(context.Context) (Status, error) {
	return Status{ConfigVersion: 2, Endpoint: endpoint.Status{State: endpoint.Fallback, Reason: "host unresolvable"}}, nil
}

func (o *fakeOps) Reregister(context.Context) error { return ErrWebhookDisabled }

func (o *fakeOps) Broadcast(context.Context) (broadcast.Result, error) { return o.broadcast, nil }

func (o *fakeOps) Greet(_ context.Context, _ transport.ChatTarget, m transport.Member) error {
	if o.greeted != nil {
		o.greeted <- m
	}
	return nil
}

type snaps struct{ snap *config.Snapshot }

func (s snaps) Current() *config.Snapshot { return s.snap }

type fixture struct {
	r      *Router
	sender *textSender
	ops    *fakeOps
	store  storage.Store
}

func newFixture(t *testing.T, opt Options) fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	snap := config.NewSnapshot(config.Settings{AdminIDs: []int64{42}, DefaultLanguage: "en"}, nil)
	sender := &textSender{}
	ops := &fakeOps{greeted: make(chan transport.Member, 4)}
	opt.Config = snaps{snap}
	opt.Sender = sender
	opt.Store = st
	r := New(opt)
	r.SetCommands(Builtins(ops))
	return fixture{r: r, sender: sender, ops: ops, store: st}
}

func command(from int64, chatType, text string) transport.Update {
	chatID := from
	if chatType != "private" {
		chatID = -100
	}
	return transport.Update{
		Kind:    transport.UpdateMessage,
		Chat:    transport.Chat{ID: chatID, Type: chatType},
		Message: &transport.Message{From: transport.Member{ID: from, Username: "user"}, Text: text},
	}
}

func TestAdminCommandRejectedForNonAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	err := f.r.Handle(context.Background(), command(7, "private", "/reload"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	var ae *AuthorizationError
	if !errors.As(err, &ae) || ae.UserID != 7 || ae.Command != "reload" {
		t.Fatalf("err = %#v", err)
	}
	if f.ops.Reloads() != 0 {
		t.Fatalf("reload ran for a non-admin")
	}
	if got := f.sender.Texts(); len(got) != 1 || !strings.Contains(got[0], "admins only") {
		t.Fatalf("replies = %q", got)
	}
	recent, err := f.store.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].OK || recent[0].ActorID != 7 || recent[0].Action != "reload" || recent[0].Kind != storage.KindAdmin {
		t.Fatalf("audit = %+v", recent)
	}
}

func TestAdminReload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	if err := f.r.Handle(context.Background(), command(42, "private", "/reload")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.ops.Reloads() != 1 {
		t.Fatalf("reloads = %d", f.ops.Reloads())
	}
	if got := f.sender.Texts(); len(got) != 1 || got[0] != "✅ config v2 loaded" {
		t.Fatalf("replies = %q", got)
	}

	f.ops.reloadErr = errors.New("broadcast.template: missing")
	if err := f.r.Handle(context.Background(), command(42, "private", "/reload")); err == nil {
		t.Fatalf("rejected reload returned nil")
	}
	recent, _ := f.store.Recent(context.Background(), 5)
	if len(recent) != 2 || recent[0].OK || !recent[1].OK {
		t.Fatalf("audit = %+v", recent)
	}
}

func TestStartIsPublic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	if err := f.r.Handle(context.Background(), command(7, "private", "/start")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	select {
	case m := <-f.ops.greeted:
		if m.ID != 7 {
			t.Fatalf("greeted %+v", m)
		}
	default:
		t.Fatalf("/start did not greet")
	}
	if recent, _ := f.store.Recent(context.Background(), 5); len(recent) != 0 {
		t.Fatalf("public command audited: %+v", recent)
	}
}

func TestRouting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		up      transport.Update
		replies int
		greets  int
	}{
		{name: "plain text", up: command(7, "private", "hello"), replies: 0},
		{name: "unknown in private", up: command(7, "private", "/nope"), replies: 1},
		{name: "unknown in group", up: command(7, "supergroup", "/nope"), replies: 0},
		{name: "addressed to us", up: command(7, "supergroup", "/start@CastBot"), greets: 1},
		{name: "addressed to another bot", up: command(7, "supergroup", "/start@otherbot"), greets: 0},
		{name: "upper case", up: command(7, "private", "/START"), greets: 1},
		{name: "help", up: command(7, "private", "/help"), replies: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Options{BotUsername: "@castbot"})
			if err := f.r.Handle(context.Background(), tt.up); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := len(f.sender.Texts()); got != tt.replies {
				t.Fatalf("replies = %d, want %d", got, tt.replies)
			}
			if got := len(f.ops.greeted); got != tt.greets {
				t.Fatalf("greets = %d, want %d", got, tt.greets)
			}
		})
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	_ = f.r.Handle(ctx, command(7, "private", "/help"))
	_ = f.r.Handle(ctx, command(42, "private", "/help"))
	got := f.sender.Texts()
	if len(got) != 2 {
		t.Fatalf("replies = %d", len(got))
	}
	if strings.Contains(got[0], "/reload") || !strings.Contains(got[0], "/start") {
		t.Fatalf("public help = %q", got[0])
	}
	if !strings.Contains(got[1], "/reload") || !strings.Contains(got[1], "/broadcast") {
		t.Fatalf("admin help = %q", got[1])
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.r.SetCommands([]Command{{
		Name:   "boom",
		Access: AccessAdminOnly,
		Handle: func(context.Context, *Request) error { panic("kaboom") },
	}})

	err := f.r.Handle(context.Background(), command(42, "private", "/boom"))
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.r.SetCommands([]Command{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handle: func(ctx context.Context, _ *Request) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})

	err := f.r.Handle(context.Background(), command(7, "private", "/slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRunRoutesUpdatesOnWorkers(t *testing.T) {
	t.Parallel()
	joins := make(chan transport.Update, 1)
	f := newFixture(t, Options{Workers: 2, OnJoin: func(_ context.Context, up transport.Update) { joins <- up }})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx, updates) }()

	updates <- command(7, "private", "/start")
	updates <- transport.Update{Kind: transport.UpdateMemberJoined, Chat: transport.Chat{ID: -100}, Member: &transport.Member{ID: 9}}

	select {
	case <-f.ops.greeted:
	case <-time.After(2 * time.Second):
		t.Fatalf("/start not handled")
	}
	select {
	case up := <-joins:
		if up.Member.ID != 9 {
			t.Fatalf("join = %+v", up)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join not handled")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	txt := FormatStatus(Status{
		ConfigVersion: 3,
		Uptime:        90 * time.Minute,
		Endpoint:      endpoint.Status{State: endpoint.Active, Host: "bot.example", Since: now.Add(-time.Hour)},
		Jobs:          []schedule.JobInfo{{Name: "broadcast", Trigger: "every 6h0m0s", Next: now.Add(time.Hour), Skips: 1}},
		Audit:         []storage.AuditEntry{{At: now, Kind: storage.KindAdmin, Action: "reload", OK: false}},
	}, now)

	for _, want := range []string{"config v3", "active (bot.example) for 1h0m0s", "broadcast (every 6h0m0s)", "skipped 1", "❌", "reload"} {
		if !strings.Contains(txt, want) {
			t.Fatalf("status missing %q:\n%s", want, txt)
		}
	}
}
