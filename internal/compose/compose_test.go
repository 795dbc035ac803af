package compose

import (
	"errors"
	"strings"
	"testing"

	"castbot/internal/content"
	"castbot/internal/transport"
)

func testCatalog(t *testing.T) *content.Catalog {
	t.Helper()
	c := content.NewCatalog("en")
	add := func(tp *content.Template) {
		if err := tp.Compile(); err != nil {
			t.Fatalf("compile %s/%s: %v", tp.Lang, tp.ID, err)
		}
		c.Add(tp)
	}
	add(&content.Template{
		ID: "promo", Lang: "en", Text: "Hello from {{.channel}}", Footer: "Join us",
		Buttons: []content.ButtonSpec{
			{Label: "Open", Kind: transport.ButtonApp},
			{Label: "Invite", Kind: transport.ButtonInvite, Row: 1},
		},
	})
	add(&content.Template{ID: "promo", Lang: "fr", Text: "Bonjour de {{.channel}}"})
	add(&content.Template{ID: "promo", Lang: "ar", Text: "مرحبا {{.channel}}", RTL: true})
	add(&content.Template{ID: "welcome", Lang: "en", Text: "Hi {{.first_name}}!", ParseMode: content.ParseModeHTML})
	add(&content.Template{ID: "welcome", Lang: "pt-br", Text: "Oi {{.first_name}}!", ParseMode: content.ParseModeMarkdownV2})
	return c
}

var testLinks = Links{App: "https://app.example", Support: "https://t.me/help", Channel: "https://t.me/news"}

func TestComposeLanguageFallback(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), testLinks)

	tests := []struct {
		lang     string
		wantLang string
		prefix   string
	}{
		{lang: "fr", wantLang: "fr", prefix: "Bonjour"},
		{lang: "fr-CA", wantLang: "fr", prefix: "Bonjour"},
		{lang: "FR_ca", wantLang: "fr", prefix: "Bonjour"},
		{lang: "de", wantLang: "en", prefix: "Hello"},
		{lang: "", wantLang: "en", prefix: "Hello"},
		{lang: "zz-Latn-XX", wantLang: "en", prefix: "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			t.Parallel()
			msg, err := c.Compose("promo", tt.lang, map[string]string{"channel": "News"})
			if err != nil {
				t.Fatalf("Compose(%q) error: %v", tt.lang, err)
			}
			if msg.Language != tt.wantLang {
				t.Fatalf("Language = %q, want %q", msg.Language, tt.wantLang)
			}
			if !strings.HasPrefix(msg.Text, tt.prefix) {
				t.Fatalf("Text = %q, want prefix %q", msg.Text, tt.prefix)
			}
		})
	}
}

func TestComposeExactRegionWins(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), testLinks)
	msg, err := c.Compose("welcome", "pt-BR", map[string]string{"first_name": "Ana."})
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if msg.Language != "pt-br" || msg.Text != `Oi Ana\.!` {
		t.Fatalf("got lang=%q text=%q", msg.Language, msg.Text)
	}
}

func TestComposeFooterAndButtons(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), testLinks)
	msg, err := c.Compose("promo", "en", map[string]string{"channel": "News"})
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if msg.Text != "Hello from News\n\nJoin us" {
		t.Fatalf("Text = %q", msg.Text)
	}
	if len(msg.Buttons) != 2 {
		t.Fatalf("buttons = %d, want 2", len(msg.Buttons))
	}
	if msg.Buttons[0].URL != testLinks.App || msg.Buttons[0].Kind != transport.ButtonApp {
		t.Fatalf("app button = %+v", msg.Buttons[0])
	}
	wantInvite := "https://t.me/share/url?url=https%3A%2F%2Ft.me%2Fnews"
	if msg.Buttons[1].URL != wantInvite || msg.Buttons[1].Row != 1 {
		t.Fatalf("invite button = %+v, want url %s", msg.Buttons[1], wantInvite)
	}
}

func TestComposeRTLPrefix(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), testLinks)
	msg, err := c.Compose("promo", "ar", map[string]string{"channel": "x"})
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if !strings.HasPrefix(msg.Text, "\u200f") {
		t.Fatalf("RTL text missing direction mark: %q", msg.Text)
	}
	ltr, _ := c.Compose("promo", "fr", map[string]string{"channel": "x"})
	if strings.HasPrefix(ltr.Text, "\u200f") {
		t.Fatalf("LTR text has direction mark")
	}
}

func TestComposeMissingSubstitution(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), testLinks)
	_, err := c.Compose("promo", "en", nil)
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ce.TemplateID != "promo" {
		t.Fatalf("TemplateID = %q", ce.TemplateID)
	}
}

func TestComposeUnknownTemplate(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), testLinks)
	_, err := c.Compose("nope", "en", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestComposeMissingLink(t *testing.T) {
	t.Parallel()
	c := New(testCatalog(t), Links{Channel: "https://t.me/news"})
	_, err := c.Compose("promo", "en", map[string]string{"channel": "x"})
	if !errors.Is(err, ErrMissingLink) {
		t.Fatalf("expected ErrMissingLink, got %v", err)
	}
}

func TestEscape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode string
		in   string
		want string
	}{
		{mode: content.ParseModeHTML, in: `<b>&"`, want: "&lt;b&gt;&amp;&#34;"},
		{mode: content.ParseModeMarkdownV2, in: "a_b.c!", want: `a\_b\.c\!`},
		{mode: "", in: "a_b<c>", want: "a_b<c>"},
	}
	for _, tt := range tests {
		if got := Escape(tt.mode, tt.in); got != tt.want {
			t.Fatalf("Escape(%q, %q) = %q, want %q", tt.mode, tt.in, got, tt.want)
		}
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()
	got := strings.Join(Candidates("fr-CA", "en"), ",")
	if got != "fr-ca,fr,en" {
		t.Fatalf("Candidates = %s", got)
	}
	got = strings.Join(Candidates("en", "en"), ",")
	if got != "en" {
		t.Fatalf("Candidates dedup = %s", got)
	}
}

func TestInviteFromChannelIdentifier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		to     transport.ChatTarget
		ref    string
		invite string
	}{
		{name: "username", to: transport.ChatTarget{Username: "@news"}, ref: "https://t.me/news", invite: "https://t.me/share/url?url=https%3A%2F%2Ft.me%2Fnews"},
		{name: "channel id", to: transport.ChatTarget{ChatID: -1001234}, ref: "https://t.me/c/1234", invite: "https://t.me/share/url?url=https%3A%2F%2Ft.me%2Fc%2F1234"},
		{name: "group id", to: transport.ChatTarget{ChatID: -4567}},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ref := ChannelRef(tt.to)
			if ref != tt.ref {
				t.Fatalf("ChannelRef = %q, want %q", ref, tt.ref)
			}
			if got := (Links{ChannelRef: ref}).Invite(); got != tt.invite {
				t.Fatalf("Invite = %q, want %q", got, tt.invite)
			}
		})
	}

	l := Links{Channel: "https://t.me/+joinCode", ChannelRef: "https://t.me/c/1234"}
	if got := l.Invite(); got != "https://t.me/share/url?url=https%3A%2F%2Ft.me%2F%2BjoinCode" {
		t.Fatalf("configured channel link not preferred: %q", got)
	}
}
