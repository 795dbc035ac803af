package config

// Document is the settings file as written by the operator. Durations are Go
// duration strings ("10s", "6h"). Relative paths are resolved against the
// directory of the settings file.
type Document struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Webhook      WebhookConfig      `json:"webhook"`
	Links        LinksConfig        `json:"links"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Welcome      WelcomeConfig      `json:"welcome"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Localization LocalizationConfig `json:"localization"`
	Assets       AssetsConfig       `json:"assets"`
	Logging      LoggingConfig      `json:"logging"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
}

// TelegramConfig holds credentials and recipients. Token, channel_id,
// admin_ids, admin_chat_id are usually supplied through the environment
// (BOT_TOKEN, CHANNEL_ID, ADMIN_IDS, ADMIN_CHAT_ID), which wins over the file.
type TelegramConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"` // default: https://api.telegram.org
	// ChannelID is a numeric chat id or an @username.
	ChannelID   string  `json:"channel_id"`
	AdminIDs    []int64 `json:"admin_ids"`
	AdminChatID string  `json:"admin_chat_id"`

	PollTimeout    string `json:"poll_timeout"`    // default: 10s
	RequestTimeout string `json:"request_timeout"` // default: 15s
}

// WebhookConfig controls push mode. When disabled the bot stays in pull mode.
//
// Example:
//
//	"webhook": { "enabled": true, "public_url": "https://bot.example.com",
//	             "path": "/tg", "secret": "s3cr3t", "max_attempts": 3 }
type WebhookConfig struct {
	Enabled   bool   `json:"enabled"`
	PublicURL string `json:"public_url"`
	Listen    string `json:"listen"` // default: ":8080"
	Path      string `json:"path"`   // default: "/webhook"
	Secret    string `json:"secret"`

	MaxAttempts      int    `json:"max_attempts"`      // default: 3
	RetryBase        string `json:"retry_base"`        // default: 2s
	RetryMaxDelay    string `json:"retry_max_delay"`   // default: 30s
	PreflightTimeout string `json:"preflight_timeout"` // default: 5s

	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"` // default: 1 MiB
	QueueSize    int   `json:"queue_size,omitempty"`     // default: 256
}

// LinksConfig holds button targets. Channel may be omitted when
// telegram.channel_id is an @username; the link is then derived from it.
type LinksConfig struct {
	App     string `json:"app"`
	Support string `json:"support"`
	Channel string `json:"channel"`
}

type BroadcastConfig struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template"` // default: promo
	// Language is the audience language; default: localization.default_language.
	Language string `json:"language"`
	// Schedule accepts "6h", "daily:09:30" or a cron expression. Default: 6h.
	Schedule   string `json:"schedule"`
	Timezone   string `json:"timezone"`    // IANA name; default: Local
	FirstDelay string `json:"first_delay"` // default: 0s
	Timeout    string `json:"timeout"`     // default: 2m
}

type WelcomeConfig struct {
	Enabled     bool   `json:"enabled"`
	Template    string `json:"template"`     // default: welcome
	DedupWindow string `json:"dedup_window"` // default: 24h
}

// DeliveryConfig is the retry policy for transient send failures.
// RetryMax is a pointer so an explicit 0 disables retries.
type DeliveryConfig struct {
	RetryMax   *int   `json:"retry_max,omitempty"` // default: 1
	RetryDelay string `json:"retry_delay"`         // default: 2s
	RatePerSec int    `json:"rate_per_sec"`        // default: 20
	Timeout    string `json:"timeout"`             // default: 15s
}

type LocalizationConfig struct {
	Root            string `json:"root"`             // default: locales
	DefaultLanguage string `json:"default_language"` // default: en
}

type AssetsConfig struct {
	Root string `json:"root"` // default: assets
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines to the admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls failure reports to the admin chat.
// If the section is omitted, reports are enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./castbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
