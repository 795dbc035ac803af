package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/compose"
	"castbot/internal/config"
	"castbot/internal/content"
	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type sent struct {
	to  transport.ChatTarget
	msg transport.OutMessage
}

type recSender struct {
	mu    sync.Mutex
	errs  []error
	calls []sent
	panic bool
}

func (s *recSender) SendMessage(_ context.Context, to transport.ChatTarget, msg transport.OutMessage) error {
	if s.panic {
		panic("sender exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, sent{to: to, msg: msg})
	if i < len(s.errs) {
		return s.errs[i]
	}
	return nil
}

func (s *recSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) error {
	return s.SendMessage(ctx, to, transport.OutMessage{Text: text})
}

func (s *recSender) Sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.calls...)
}

type recReporter struct {
	mu      sync.Mutex
	reports []notifier.Report
}

func (r *recReporter) Report(_ context.Context, rep notifier.Report) error {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	return nil
}

func (r *recReporter) All() []notifier.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifier.Report(nil), r.reports...)
}

type staticSnapshots struct{ snap *config.Snapshot }

func (s staticSnapshots) Current() *config.Snapshot { return s.snap }

func catalog(t *testing.T) *content.Catalog {
	t.Helper()
	cat := content.NewCatalog("en")
	for _, tpl := range []*content.Template{
		{ID: "promo", Lang: "en", Text: "News from {{.channel}}", Buttons: []content.ButtonSpec{{Label: "Open", Kind: transport.ButtonApp}}},
		{ID: "welcome", Lang: "en", Text: "Welcome {{.first_name}}", ParseMode: content.ParseModeHTML},
		{ID: "welcome", Lang: "fr", Text: "Bienvenue {{.username}}", ParseMode: content.ParseModeHTML},
		{ID: "broken", Lang: "en", Text: "Hi {{.nobody}}"},
	} {
		if err := tpl.Compile(); err != nil {
			t.Fatalf("compile %s: %v", tpl.ID, err)
		}
		cat.Add(tpl)
	}
	return cat
}

func snapshot(t *testing.T, mutate func(*config.Settings)) *config.Snapshot {
	t.Helper()
	s := config.Settings{
		Channel:         transport.ChatTarget{Username: "@news"},
		AdminChat:       transport.ChatTarget{ChatID: 42},
		DefaultLanguage: "en",
		Links:           compose.Links{App: "https://app.example", Channel: "https://t.me/news"},
		Broadcast:       config.Broadcast{Enabled: true, Template: "promo", Language: "en"},
		Welcome:         config.Welcome{Enabled: true, Template: "welcome", DedupWindow: time.Hour},
	}
	if mutate != nil {
		mutate(&s)
	}
	return config.NewSnapshot(s, catalog(t))
}

type harness struct {
	d        *Dispatcher
	sender   *recSender
	reporter *recReporter
	bus      eventbus.Bus
}

func newHarness(t *testing.T, snap *config.Snapshot, sender *recSender, store storage.Store) harness {
	t.Helper()
	tr := delivery.New(sender, delivery.Config{RetryMax: 2, RetryDelay: time.Millisecond, RatePerSec: 1000, Timeout: time.Second}, logx.Nop())
	rep := &recReporter{}
	bus := eventbus.New()
	d := New(Options{Config: staticSnapshots{snap}, Sender: tr, Reporter: rep, Bus: bus, Store: store})
	return harness{d: d, sender: sender, reporter: rep, bus: bus}
}

func TestDispatchDelivers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, snapshot(t, nil), &recSender{}, nil)
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	if err := h.d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := h.sender.Sent()
	if len(got) != 1 {
		t.Fatalf("sends = %d, want 1", len(got))
	}
	if got[0].to.Username != "@news" || got[0].msg.Text != "News from @news" {
		t.Fatalf("sent %+v", got[0])
	}
	if len(got[0].msg.Buttons) != 1 || got[0].msg.Buttons[0].URL != "https://app.example" {
		t.Fatalf("buttons = %+v", got[0].msg.Buttons)
	}
	if n := len(h.reporter.All()); n != 0 {
		t.Fatalf("reports = %d, want 0", n)
	}

	select {
	case ev := <-events:
		res, ok := ev.Data.(Result)
		if ev.Type != eventbus.TypeDispatchFinished || !ok || !res.OK() || res.ID == "" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no dispatch event")
	}
	last, ok := h.d.Last()
	if !ok || last.Status() != "delivered" {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}

func TestDispatchRateLimitedThenDeliveredIsNotReported(t *testing.T) {
	t.Parallel()
	s := &recSender{errs: []error{delivery.RetryAfter(errors.New("Too Many Requests"), 0)}}
	h := newHarness(t, snapshot(t, nil), s, nil)

	res, err := h.d.DispatchNow(context.Background(), "schedule")
	if err != nil || !res.OK() {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	if len(res.Outcome.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Outcome.Attempts))
	}
	if n := len(h.reporter.All()); n != 0 {
		t.Fatalf("reports = %d, want none after a recovered send", n)
	}
}

func TestDispatchFailuresAreReportedByKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		template  string
		errs      []error
		wantKind  notifier.Kind
		wantSends int
		wantState string
	}{
		{name: "compose", template: "broken", wantKind: notifier.KindCompose, wantSends: 0, wantState: "compose_failed"},
		{name: "missing template", template: "nope", wantKind: notifier.KindCompose, wantSends: 0, wantState: "compose_failed"},
		{name: "deliver", template: "promo", errs: []error{delivery.Permanent(errors.New("chat not found"))}, wantKind: notifier.KindDeliver, wantSends: 1, wantState: "permanent_failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := snapshot(t, func(s *config.Settings) { s.Broadcast.Template = tt.template })
			h := newHarness(t, snap, &recSender{errs: tt.errs}, nil)

			if err := h.d.Dispatch(context.Background()); err == nil {
				t.Fatalf("Dispatch returned nil for a failed run")
			}
			if n := len(h.sender.Sent()); n != tt.wantSends {
				t.Fatalf("sends = %d, want %d", n, tt.wantSends)
			}
			reps := h.reporter.All()
			if len(reps) != 1 || reps[0].Kind != tt.wantKind {
				t.Fatalf("reports = %+v, want one %s", reps, tt.wantKind)
			}
			if reps[0].DispatchID == "" || reps[0].Template != tt.template {
				t.Fatalf("report = %+v", reps[0])
			}
			last, _ := h.d.Last()
			if last.Status() != tt.wantState {
				t.Fatalf("status = %s, want %s", last.Status(), tt.wantState)
			}
		})
	}
}

func TestDispatchDisabledSkipsScheduledRun(t *testing.T) {
	t.Parallel()
	snap := snapshot(t, func(s *config.Settings) { s.Broadcast.Enabled = false })
	h := newHarness(t, snap, &recSender{}, nil)

	if err := h.d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(h.sender.Sent()) != 0 || len(h.d.History()) != 0 {
		t.Fatalf("disabled broadcast still ran")
	}

	// An admin-triggered run ignores the switch.
	if res, err := h.d.DispatchNow(context.Background(), "admin"); err != nil || !res.OK() {
		t.Fatalf("admin dispatch: %+v %v", res, err)
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, snapshot(t, nil), &recSender{panic: true}, nil)

	_, err := h.d.DispatchNow(context.Background(), "schedule")
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if got := h.d.History(); len(got) != 1 || got[0].OK() {
		t.Fatalf("history = %+v", got)
	}
}

func TestDispatchWithoutSnapshot(t *testing.T) {
	t.Parallel()
	d := New(Options{Config: staticSnapshots{}, Sender: delivery.New(&recSender{}, delivery.Config{}, logx.Nop())})
	if err := d.Dispatch(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
}

func joined(chat transport.Chat, m transport.Member) transport.Update {
	return transport.Update{Kind: transport.UpdateMemberJoined, Chat: chat, Member: &m}
}

func TestWelcome(t *testing.T) {
	t.Parallel()
	group := transport.Chat{ID: -100, Type: "supergroup", ThreadID: 7}
	h := newHarness(t, snapshot(t, nil), &recSender{}, nil)
	ctx := context.Background()

	ok, err := h.d.Welcome(ctx, joined(group, transport.Member{ID: 1, FirstName: "Ann <3", LanguageCode: "de"}))
	if !ok || err != nil {
		t.Fatalf("first welcome = %v, %v", ok, err)
	}
	ok, _ = h.d.Welcome(ctx, joined(group, transport.Member{ID: 1, FirstName: "Ann <3", LanguageCode: "de"}))
	if ok {
		t.Fatalf("second join within the window greeted again")
	}
	ok, _ = h.d.Welcome(ctx, joined(group, transport.Member{ID: 2, Username: "pierre", LanguageCode: "fr-CA"}))
	if !ok {
		t.Fatalf("fr member not greeted")
	}
	ok, _ = h.d.Welcome(ctx, joined(group, transport.Member{ID: 3, FirstName: "Robo", IsBot: true}))
	if ok {
		t.Fatalf("bot greeted")
	}
	ok, _ = h.d.Welcome(ctx, joined(transport.Chat{ID: -200, Type: "channel"}, transport.Member{ID: 4, FirstName: "Cid"}))
	if !ok {
		t.Fatalf("channel join not greeted")
	}

	got := h.sender.Sent()
	if len(got) != 3 {
		t.Fatalf("sends = %d, want 3", len(got))
	}
	if got[0].to != (transport.ChatTarget{ChatID: -100, ThreadID: 7}) || got[0].msg.Text != "Welcome Ann &lt;3" || got[0].msg.Language != "en" {
		t.Fatalf("de member: %+v", got[0])
	}
	if got[1].msg.Text != "Bienvenue @pierre" || got[1].msg.Language != "fr" {
		t.Fatalf("fr member: %+v", got[1])
	}
	if got[2].to != (transport.ChatTarget{ChatID: 4}) {
		t.Fatalf("channel join sent to %+v, want the member", got[2].to)
	}
}

func TestWelcomeFailureReleasesDedup(t *testing.T) {
	t.Parallel()
	s := &recSender{errs: []error{delivery.Permanent(errors.New("not enough rights"))}}
	h := newHarness(t, snapshot(t, nil), s, nil)
	up := joined(transport.Chat{ID: -100, Type: "group"}, transport.Member{ID: 9, FirstName: "Dee"})

	if ok, err := h.d.Welcome(context.Background(), up); ok || err == nil {
		t.Fatalf("welcome = %v, %v; want failure", ok, err)
	}
	if reps := h.reporter.All(); len(reps) != 1 || reps[0].Kind != notifier.KindDeliver {
		t.Fatalf("reports = %+v", reps)
	}
	if ok, err := h.d.Welcome(context.Background(), up); !ok || err != nil {
		t.Fatalf("retry after failure = %v, %v", ok, err)
	}
}

func TestWelcomeDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	snap := snapshot(t, nil)
	up := joined(transport.Chat{ID: -100, Type: "group"}, transport.Member{ID: 5, FirstName: "Eve"})

	first := newHarness(t, snap, &recSender{}, st)
	if ok, _ := first.d.Welcome(context.Background(), up); !ok {
		t.Fatalf("first welcome not sent")
	}
	second := newHarness(t, snap, &recSender{}, st)
	if ok, _ := second.d.Welcome(context.Background(), up); ok {
		t.Fatalf("welcome repeated after restart")
	}
}

func TestGreet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, snapshot(t, nil), &recSender{}, nil)
	to := transport.ChatTarget{ChatID: 11}
	if err := h.d.Greet(context.Background(), to, transport.Member{ID: 11, FirstName: "Flo", LanguageCode: "fr"}); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if err := h.d.Greet(context.Background(), to, transport.Member{ID: 11, FirstName: "Flo"}); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	got := h.sender.Sent()
	if len(got) != 2 || got[0].msg.Text != "Bienvenue Flo" || got[1].msg.Text != "Welcome Flo" {
		t.Fatalf("sent = %+v", got)
	}
}
