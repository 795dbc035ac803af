package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"castbot/internal/compose"
	"castbot/internal/content"
	"castbot/internal/schedule"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const DefaultAPIURL = "https://api.telegram.org"

// Snapshot is an immutable view of settings and templates. A reload builds a
// new Snapshot; existing ones are never modified.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Path     string

	Settings Settings
	Catalog  *content.Catalog

	composer *compose.Composer
	hash     uint64
}

// Composer returns the message composer bound to this snapshot.
func (s *Snapshot) Composer() *compose.Composer { return s.composer }

// NewSnapshot assembles a snapshot from settings built in code. No
// validation is done; Load is the path for operator-supplied files.
func NewSnapshot(s Settings, cat *content.Catalog) *Snapshot {
	if cat == nil {
		cat = content.NewCatalog(s.DefaultLanguage)
	}
	return &Snapshot{
		Version:  1,
		LoadedAt: time.Now(),
		Settings: s,
		Catalog:  cat,
		composer: compose.New(cat, s.Links),
	}
}

type Settings struct {
	Token          string
	APIURL         string
	Channel        transport.ChatTarget
	AdminIDs       []int64
	AdminChat      transport.ChatTarget
	PollTimeout    time.Duration
	RequestTimeout time.Duration

	Webhook   Webhook
	Links     compose.Links
	Broadcast Broadcast
	Welcome   Welcome
	Delivery  Delivery
	Notifier  Notifier
	Storage   Storage
	Logging   logx.Config

	DefaultLanguage  string
	LocalizationRoot string
	AssetsRoot       string
}

// IsAdmin reports whether a user id may run admin commands.
func (s Settings) IsAdmin(id int64) bool { return id != 0 && slices.Contains(s.AdminIDs, id) }

type Webhook struct {
	Enabled          bool
	PublicURL        string
	Listen           string
	Path             string
	Secret           string
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	PreflightTimeout time.Duration
	MaxBodyBytes     int64
	QueueSize        int
}

// URL is the address registered with the platform.
func (w Webhook) URL() string {
	if w.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(w.PublicURL, "/") + w.Path
}

type Broadcast struct {
	Enabled    bool
	Template   string
	Language   string
	Schedule   schedule.Spec
	Location   *time.Location
	FirstDelay time.Duration
	Timeout    time.Duration
}

type Welcome struct {
	Enabled     bool
	Template    string
	DedupWindow time.Duration
}

type Delivery struct {
	RetryMax   int
	RetryDelay time.Duration
	RatePerSec int
	Timeout    time.Duration
}

type Notifier struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Storage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

var reSecret = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// build turns a decoded document into a snapshot. Every problem found is
// reported, not just the first.
func build(path string, doc Document, lookup LookupEnv) (*Snapshot, error) {
	var p problems
	applyEnv(&doc, lookup, &p)

	base := filepath.Dir(path)
	rel := func(v, def string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			v = def
		}
		if v == "" || filepath.IsAbs(v) {
			return v
		}
		return filepath.Join(base, v)
	}

	var s Settings
	tg := doc.Telegram

	s.Token = strings.TrimSpace(tg.Token)
	if s.Token == "" {
		p.addf("telegram.token", "bot token required (set %s)", EnvToken)
	}
	s.APIURL = strings.TrimRight(strings.TrimSpace(tg.APIURL), "/")
	if s.APIURL == "" {
		s.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(tg.ChannelID) != "" {
		ch, ok := transport.ParseTarget(tg.ChannelID)
		if !ok {
			p.addf("telegram.channel_id", "invalid chat %q (want numeric id or @username)", tg.ChannelID)
		}
		s.Channel = ch
	}
	if strings.TrimSpace(tg.AdminChatID) != "" {
		ch, ok := transport.ParseTarget(tg.AdminChatID)
		if !ok {
			p.addf("telegram.admin_chat_id", "invalid chat %q", tg.AdminChatID)
		}
		s.AdminChat = ch
	}
	s.AdminIDs = append([]int64(nil), tg.AdminIDs...)
	if s.AdminChat.IsZero() && len(s.AdminIDs) > 0 {
		// Reports go to the first admin in a private chat.
		s.AdminChat = transport.ChatTarget{ChatID: s.AdminIDs[0]}
	}
	var err error
	s.PollTimeout, err = parseDurationOrDefault("telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
	p.add("telegram.poll_timeout", err)
	s.RequestTimeout, err = parseDurationOrDefault("telegram.request_timeout", tg.RequestTimeout, 15*time.Second)
	p.add("telegram.request_timeout", err)

	buildWebhook(&s, doc.Webhook, &p)
	buildLinks(&s, doc.Links, &p)

	s.DefaultLanguage = content.NormalizeLang(doc.Localization.DefaultLanguage)
	if s.DefaultLanguage == "" {
		s.DefaultLanguage = "en"
	}
	s.LocalizationRoot = rel(doc.Localization.Root, "locales")
	s.AssetsRoot = rel(doc.Assets.Root, "assets")

	buildBroadcast(&s, doc.Broadcast, &p)
	buildWelcome(&s, doc.Welcome, &p)
	buildDelivery(&s, doc.Delivery, &p)
	buildNotifier(&s, doc.Notifier, &p)
	if doc.Storage != nil {
		s.Storage.Driver = strings.ToLower(strings.TrimSpace(doc.Storage.Driver))
		s.Storage.Path = rel(doc.Storage.Path, "")
		s.Storage.BusyTimeout, err = parseDurationField("storage.busy_timeout", doc.Storage.BusyTimeout)
		p.add("storage.busy_timeout", err)
		switch s.Storage.Driver {
		case "", "file", "sqlite":
		default:
			p.addf("storage.driver", "unknown driver %q (want file or sqlite)", doc.Storage.Driver)
		}
	}
	s.Logging = logx.Config{
		Level:   doc.Logging.Level,
		Console: doc.Logging.Console,
		File:    logx.FileConfig{Enabled: doc.Logging.File.Enabled, Path: rel(doc.Logging.File.Path, "")},
		Telegram: logx.TelegramConfig{
			Enabled:    doc.Logging.Telegram.Enabled,
			MinLevel:   doc.Logging.Telegram.MinLevel,
			RatePerSec: doc.Logging.Telegram.RatePerSec,
		},
	}

	h := fnv.New64a()
	if b, err := json.Marshal(doc); err == nil {
		_, _ = h.Write(b)
	}
	cat := loadCatalog(s.LocalizationRoot, s.DefaultLanguage, s.AssetsRoot, h, &p)

	checkTemplates(&s, cat, &p)

	if err := p.err(); err != nil {
		return nil, err
	}
	return &Snapshot{
		Path:     path,
		Settings: s,
		Catalog:  cat,
		composer: compose.New(cat, s.Links),
		hash:     h.Sum64(),
	}, nil
}

func buildWebhook(s *Settings, w WebhookConfig, p *problems) {
	var err error
	s.Webhook = Webhook{
		Enabled:      w.Enabled,
		PublicURL:    strings.TrimSpace(w.PublicURL),
		Listen:       strings.TrimSpace(w.Listen),
		Path:         strings.TrimSpace(w.Path),
		Secret:       strings.TrimSpace(w.Secret),
		MaxAttempts:  w.MaxAttempts,
		MaxBodyBytes: w.MaxBodyBytes,
		QueueSize:    w.QueueSize,
	}
	wh := &s.Webhook
	if wh.Listen == "" {
		wh.Listen = ":8080"
	}
	if wh.Path == "" {
		wh.Path = "/webhook"
	}
	if !strings.HasPrefix(wh.Path, "/") {
		p.addf("webhook.path", "path must start with /")
	}
	if wh.MaxAttempts <= 0 {
		wh.MaxAttempts = 3
	}
	if wh.MaxBodyBytes <= 0 {
		wh.MaxBodyBytes = 1 << 20
	}
	if wh.QueueSize <= 0 {
		wh.QueueSize = 256
	}
	wh.RetryBase, err = parseDurationOrDefault("webhook.retry_base", w.RetryBase, 2*time.Second)
	p.add("webhook.retry_base", err)
	wh.RetryMaxDelay, err = parseDurationOrDefault("webhook.retry_max_delay", w.RetryMaxDelay, 30*time.Second)
	p.add("webhook.retry_max_delay", err)
	if wh.RetryMaxDelay < wh.RetryBase {
		wh.RetryMaxDelay = wh.RetryBase
	}
	wh.PreflightTimeout, err = parseDurationOrDefault("webhook.preflight_timeout", w.PreflightTimeout, 5*time.Second)
	p.add("webhook.preflight_timeout", err)

	if !wh.Enabled {
		return
	}
	if wh.PublicURL == "" {
		p.addf("webhook.public_url", "required when webhook is enabled (set %s)", EnvWebhookURL)
	}
	if !reSecret.MatchString(wh.Secret) {
		p.addf("webhook.secret", "required when webhook is enabled; 1-256 chars of A-Z a-z 0-9 _ - (set %s)", EnvWebhookSecret)
	}
}

func buildLinks(s *Settings, l LinksConfig, p *problems) {
	s.Links = compose.Links{
		App:     strings.TrimSpace(l.App),
		Support: strings.TrimSpace(l.Support),
		Channel: strings.TrimSpace(l.Channel),
	}
	s.Links.ChannelRef = compose.ChannelRef(s.Channel)
	if s.Links.Channel == "" && s.Channel.Username != "" {
		s.Links.Channel = s.Links.ChannelRef
	}
	check := func(field, v string) {
		if v == "" {
			return
		}
		u, err := url.Parse(v)
		if err != nil {
			p.add(field, err)
			return
		}
		switch u.Scheme {
		case "https", "http", "tg":
		default:
			p.addf(field, "unsupported link %q (want https://, http:// or tg://)", v)
		}
	}
	check("links.app", s.Links.App)
	check("links.support", s.Links.Support)
	check("links.channel", s.Links.Channel)
}

func buildBroadcast(s *Settings, b BroadcastConfig, p *problems) {
	var err error
	bc := &s.Broadcast
	bc.Enabled = b.Enabled
	bc.Template = strings.TrimSpace(b.Template)
	if bc.Template == "" {
		bc.Template = "promo"
	}
	bc.Language = content.NormalizeLang(b.Language)
	if bc.Language == "" {
		bc.Language = s.DefaultLanguage
	}
	raw := strings.TrimSpace(b.Schedule)
	if raw == "" {
		raw = "6h"
	}
	bc.Schedule, err = schedule.ParseSpec(raw)
	p.add("broadcast.schedule", err)

	bc.Location = time.Local
	if tz := strings.TrimSpace(b.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			p.add("broadcast.timezone", err)
		} else {
			bc.Location = loc
		}
	}
	bc.FirstDelay, err = parseDurationField("broadcast.first_delay", b.FirstDelay)
	p.add("broadcast.first_delay", err)
	bc.Timeout, err = parseDurationOrDefault("broadcast.timeout", b.Timeout, 2*time.Minute)
	p.add("broadcast.timeout", err)

	if bc.Enabled && s.Channel.IsZero() {
		p.addf("telegram.channel_id", "required when broadcast is enabled (set %s)", EnvChannelID)
	}
}

func buildWelcome(s *Settings, w WelcomeConfig, p *problems) {
	var err error
	s.Welcome.Enabled = w.Enabled
	s.Welcome.Template = strings.TrimSpace(w.Template)
	if s.Welcome.Template == "" {
		s.Welcome.Template = "welcome"
	}
	s.Welcome.DedupWindow, err = parseDurationOrDefault("welcome.dedup_window", w.DedupWindow, 24*time.Hour)
	p.add("welcome.dedup_window", err)
}

func buildDelivery(s *Settings, d DeliveryConfig, p *problems) {
	var err error
	s.Delivery.RetryMax = 1
	if d.RetryMax != nil {
		if *d.RetryMax < 0 {
			p.addf("delivery.retry_max", "must be >= 0")
		}
		s.Delivery.RetryMax = max(0, *d.RetryMax)
	}
	s.Delivery.RetryDelay, err = parseDurationOrDefault("delivery.retry_delay", d.RetryDelay, 2*time.Second)
	p.add("delivery.retry_delay", err)
	s.Delivery.RatePerSec = d.RatePerSec
	if s.Delivery.RatePerSec <= 0 {
		s.Delivery.RatePerSec = 20
	}
	s.Delivery.Timeout, err = parseDurationOrDefault("delivery.timeout", d.Timeout, 15*time.Second)
	p.add("delivery.timeout", err)
}

func buildNotifier(s *Settings, n *NotifierConfig, p *problems) {
	var err error
	if n == nil {
		n = &NotifierConfig{Enabled: true}
	}
	s.Notifier = Notifier{
		Enabled:         n.Enabled,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	nc := &s.Notifier
	if nc.QueueSize <= 0 {
		nc.QueueSize = 64
	}
	if nc.RatePerSec <= 0 {
		nc.RatePerSec = 1
	}
	if nc.RetryMax <= 0 {
		nc.RetryMax = 2
	}
	if nc.DedupMaxEntries <= 0 {
		nc.DedupMaxEntries = 1000
	}
	nc.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, time.Second)
	p.add("notifier.retry_base", err)
	nc.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	p.add("notifier.dedup_window", err)
}

// checkTemplates verifies that every template the process will compose exists
// in the default language and that every button kind has a link.
func checkTemplates(s *Settings, cat *content.Catalog, p *problems) {
	if !cat.HasLanguage(s.DefaultLanguage) {
		return
	}
	if s.Broadcast.Enabled {
		if _, ok := cat.Lookup(s.Broadcast.Template, s.DefaultLanguage); !ok {
			p.addf("broadcast.template", "template %q missing in default language %q", s.Broadcast.Template, s.DefaultLanguage)
		}
	}
	// /start replies with the welcome template even when join greetings are off.
	if _, ok := cat.Lookup(s.Welcome.Template, s.DefaultLanguage); !ok {
		p.addf("welcome.template", "template %q missing in default language %q", s.Welcome.Template, s.DefaultLanguage)
	}
	for _, t := range cat.Templates() {
		for i, b := range t.Buttons {
			if _, err := s.Links.Resolve(b.Kind); err != nil {
				p.add(fmt.Sprintf("localization.%s.%s.buttons[%d]", t.Lang, t.ID, i), err)
			}
		}
	}
}

// readDocument decodes the settings file.
func readDocument(path string) (Document, error) {
	var doc Document
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, &ConfigError{Field: "file", Err: err}
	}
	if err := decodeStrict(path, b, &doc); err != nil {
		return doc, &ConfigError{Field: "file", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return doc, nil
}
